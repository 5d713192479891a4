package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/amicull/pkg/image"
)

// snapshotFilterChunk bounds the filter values sent per DescribeSnapshots call.
const snapshotFilterChunk = 200

// ListOwnedImages lists AMIs owned by this account.
func (p *Plugin) ListOwnedImages(ctx context.Context) ([]image.Image, error) {
	var images []image.Image
	var nextToken *string

	for {
		output, err := p.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{
			Owners:    []string{"self"},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe images: %w", err)
		}

		for _, img := range output.Images {
			images = append(images, convertImage(img))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return images, nil
}

func convertImage(img ec2types.Image) image.Image {
	out := image.Image{
		ID:        aws.ToString(img.ImageId),
		Name:      aws.ToString(img.Name),
		CreatedAt: parseCreationDate(aws.ToString(img.CreationDate)),
		Tags:      make(map[string]string, len(img.Tags)),
	}
	for _, tag := range img.Tags {
		out.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	for _, bdm := range img.BlockDeviceMappings {
		dev := image.BlockDeviceMapping{
			DeviceName:  aws.ToString(bdm.DeviceName),
			VirtualName: aws.ToString(bdm.VirtualName),
		}
		if bdm.Ebs != nil {
			dev.SnapshotID = aws.ToString(bdm.Ebs.SnapshotId)
		}
		out.BlockDevices = append(out.BlockDevices, dev)
	}
	return out
}

func parseCreationDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		log.Debug().Str("creation_date", s).Msg("unparseable image creation date")
		return time.Time{}
	}
	return t
}

// DescribeSnapshots returns a copy of snapshots with start times filled in.
// Order and repeats are kept. Snapshots the provider no longer reports keep
// a zero start time.
func (p *Plugin) DescribeSnapshots(ctx context.Context, snapshots []image.Snapshot) ([]image.Snapshot, error) {
	ids := uniqueSnapshotIDs(snapshots)
	startTimes := make(map[string]time.Time, len(ids))

	for start := 0; start < len(ids); start += snapshotFilterChunk {
		end := min(start+snapshotFilterChunk, len(ids))
		if err := p.describeSnapshotChunk(ctx, ids[start:end], startTimes); err != nil {
			return nil, err
		}
	}

	out := make([]image.Snapshot, len(snapshots))
	for i, s := range snapshots {
		out[i] = s
		if t, ok := startTimes[s.ID]; ok {
			out[i].StartTime = t
		} else {
			log.Warn().Str("snapshot", s.ID).Str("image", s.ImageID).Msg("snapshot not found")
		}
	}
	return out, nil
}

func (p *Plugin) describeSnapshotChunk(ctx context.Context, ids []string, startTimes map[string]time.Time) error {
	var nextToken *string

	for {
		output, err := p.ec2Client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{
			Filters:   []ec2types.Filter{{Name: aws.String("snapshot-id"), Values: ids}},
			NextToken: nextToken,
		})
		if err != nil {
			return fmt.Errorf("describe snapshots: %w", err)
		}

		for _, snap := range output.Snapshots {
			startTimes[aws.ToString(snap.SnapshotId)] = aws.ToTime(snap.StartTime)
		}

		if output.NextToken == nil {
			return nil
		}
		nextToken = output.NextToken
	}
}

func uniqueSnapshotIDs(snapshots []image.Snapshot) []string {
	seen := make(map[string]bool, len(snapshots))
	ids := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		ids = append(ids, s.ID)
	}
	return ids
}
