// Package retention decides which images are safe to delete and which
// snapshots go with them.
package retention

import (
	"slices"
	"sort"

	"github.com/yairfalse/amicull/pkg/image"
)

// KeepSet holds image IDs that must never be deleted.
type KeepSet map[string]struct{}

// NewKeepSet returns the union of all given ID lists.
func NewKeepSet(lists ...[]string) KeepSet {
	k := make(KeepSet)
	for _, ids := range lists {
		k.Add(ids...)
	}
	return k
}

// Add inserts IDs into the set. Empty IDs are ignored.
func (k KeepSet) Add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		k[id] = struct{}{}
	}
}

// Has reports whether id is kept.
func (k KeepSet) Has(id string) bool {
	_, ok := k[id]
	return ok
}

// Merge adds every ID of other into k.
func (k KeepSet) Merge(other KeepSet) {
	for id := range other {
		k[id] = struct{}{}
	}
}

// Sorted returns the IDs in lexical order, for logging.
func (k KeepSet) Sorted() []string {
	ids := make([]string, 0, len(k))
	for id := range k {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Matches returns true if the image carries every required tag with the
// exact value. An empty requirement matches every image.
func Matches(img image.Image, required map[string]string) bool {
	for k, v := range required {
		got, ok := img.Tags[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// ShouldDelete returns true if the image matches all required tags and is
// not in the keep set.
func ShouldDelete(img image.Image, required map[string]string, keep KeepSet) bool {
	return Matches(img, required) && !keep.Has(img.ID)
}

// Classify returns the images selected for deletion, in input order.
//
// Callers own the safety rail: with an empty required set every image
// outside keep is selected.
func Classify(images []image.Image, required map[string]string, keep KeepSet) []image.Image {
	selected := make([]image.Image, 0, len(images))
	for _, img := range images {
		if ShouldDelete(img, required, keep) {
			selected = append(selected, img)
		}
	}
	return selected
}

// ExpandSnapshots lists the snapshots backing the storage devices of the
// selected images. Order follows images, then devices. Shared snapshot IDs
// are repeated; see DedupeSnapshots.
func ExpandSnapshots(selected []image.Image) []image.Snapshot {
	var snapshots []image.Snapshot
	for _, img := range selected {
		for _, dev := range img.BlockDevices {
			if !dev.StorageBacked() {
				continue
			}
			snapshots = append(snapshots, image.Snapshot{
				ID:      dev.SnapshotID,
				ImageID: img.ID,
			})
		}
	}
	return snapshots
}

// DedupeSnapshots drops repeated snapshot IDs, keeping the first occurrence.
// The owning images of dropped repeats are recorded in SharedWith.
func DedupeSnapshots(snapshots []image.Snapshot) []image.Snapshot {
	index := make(map[string]int, len(snapshots))
	out := make([]image.Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		i, ok := index[s.ID]
		if !ok {
			index[s.ID] = len(out)
			out = append(out, s)
			continue
		}
		for _, owner := range s.Owners() {
			if !slices.Contains(out[i].Owners(), owner) {
				out[i].SharedWith = append(out[i].SharedWith, owner)
			}
		}
	}
	return out
}
