// Package image defines the image and snapshot model for amicull.
// Values are fully populated by a provider adapter before the retention
// engine sees them; nothing here talks to the network.
package image

import "time"

// Image is a machine image owned by the scanned account.
type Image struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	CreatedAt    time.Time            `json:"created_at"`
	Tags         map[string]string    `json:"tags"`
	BlockDevices []BlockDeviceMapping `json:"block_devices"`
}

// BlockDeviceMapping is one device declared by an image.
type BlockDeviceMapping struct {
	DeviceName  string `json:"device_name"`
	SnapshotID  string `json:"snapshot_id,omitempty"`  // set for EBS-backed devices
	VirtualName string `json:"virtual_name,omitempty"` // set for instance-store devices
}

// StorageBacked reports whether the device is backed by a snapshot.
func (m BlockDeviceMapping) StorageBacked() bool {
	return m.SnapshotID != ""
}

// Snapshot is a storage snapshot owned by an image selected for deletion.
type Snapshot struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	ImageID   string    `json:"image_id"`

	// SharedWith lists further selected images backed by the same snapshot,
	// set when repeated snapshots are merged.
	SharedWith []string `json:"shared_with,omitempty"`
}

// Owners returns every selected image that references the snapshot.
func (s Snapshot) Owners() []string {
	owners := make([]string, 0, 1+len(s.SharedWith))
	if s.ImageID != "" {
		owners = append(owners, s.ImageID)
	}
	return append(owners, s.SharedWith...)
}

// Template sources.
const (
	SourceLaunchTemplate      = "launch_template"
	SourceLaunchConfiguration = "launch_configuration"
)

// Template is a launch template or launch configuration referencing an image.
type Template struct {
	Name    string `json:"name"`
	Source  string `json:"source"`
	ImageID string `json:"image_id"`
}

// IDs returns the identifiers of images in order.
func IDs(images []Image) []string {
	ids := make([]string, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	return ids
}

// SnapshotIDs returns the identifiers of snapshots in order.
func SnapshotIDs(snapshots []Snapshot) []string {
	ids := make([]string, len(snapshots))
	for i, s := range snapshots {
		ids[i] = s.ID
	}
	return ids
}
