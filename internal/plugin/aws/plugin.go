// Package aws implements the AWS provider for amicull on aws-sdk-go-v2.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/amicull/internal/inuse"
	"github.com/yairfalse/amicull/pkg/image"
)

// Plugin talks to EC2 and Auto Scaling in one region.
type Plugin struct {
	region string

	// AWS clients (interfaces for testability)
	ec2Client EC2API
	asgClient AutoScalingAPI
}

// Config holds AWS plugin configuration.
type Config struct {
	Region  string
	Profile string
}

// New creates a new AWS plugin.
func New(ctx context.Context, cfg Config) (*Plugin, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Plugin{
		region:    cfg.Region,
		ec2Client: ec2.NewFromConfig(awsCfg),
		asgClient: autoscaling.NewFromConfig(awsCfg),
	}, nil
}

// DeregisterImage deregisters an AMI. Its snapshots are left in place.
func (p *Plugin) DeregisterImage(ctx context.Context, imageID string) error {
	_, err := p.ec2Client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(imageID)})
	if err != nil {
		return fmt.Errorf("deregister image: %w", err)
	}
	log.Info().Str("image", imageID).Str("region", p.region).Msg("image deregistered")
	return nil
}

// DeleteSnapshot deletes an EBS snapshot.
func (p *Plugin) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := p.ec2Client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	log.Info().Str("snapshot", snapshotID).Str("region", p.region).Msg("snapshot deleted")
	return nil
}

type templateSource struct {
	name string
	fn   func(context.Context) ([]image.Template, error)
}

func (s templateSource) Name() string { return s.name }

func (s templateSource) ListTemplates(ctx context.Context) ([]image.Template, error) {
	return s.fn(ctx)
}

func (p *Plugin) templateSources() []templateSource {
	return []templateSource{
		{image.SourceLaunchTemplate, p.listLaunchTemplates},
		{image.SourceLaunchConfiguration, p.listLaunchConfigurations},
	}
}

// TemplateSources returns the named template sources. No names selects all.
func (p *Plugin) TemplateSources(names ...string) ([]inuse.TemplateSource, error) {
	all := p.templateSources()
	if len(names) == 0 {
		sources := make([]inuse.TemplateSource, len(all))
		for i, s := range all {
			sources[i] = s
		}
		return sources, nil
	}

	byName := make(map[string]templateSource, len(all))
	for _, s := range all {
		byName[s.name] = s
	}

	sources := make([]inuse.TemplateSource, 0, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown template source %q", name)
		}
		sources = append(sources, s)
	}
	return sources, nil
}
