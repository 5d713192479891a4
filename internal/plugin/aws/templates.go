package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/amicull/pkg/image"
)

// ssmImagePrefix marks launch template images resolved from SSM parameters.
const ssmImagePrefix = "resolve:ssm:"

// ErrUnresolvedImage is returned when a launch template still names its
// image through an SSM parameter after alias resolution. The image it
// launches is unknown, so nothing can be safely deleted.
var ErrUnresolvedImage = errors.New("launch template image not resolved")

// launchTemplateRef is a launch template version pinned by an Auto Scaling group.
type launchTemplateRef struct {
	id      string
	name    string
	version string
}

// listLaunchTemplates lists the default and latest version of every launch
// template, plus every explicit version an Auto Scaling group pins.
func (p *Plugin) listLaunchTemplates(ctx context.Context) ([]image.Template, error) {
	templates, err := p.describeTemplateVersions(ctx, &ec2.DescribeLaunchTemplateVersionsInput{
		Versions: []string{"$Default", "$Latest"},
	})
	if err != nil {
		return nil, err
	}

	refs, err := p.pinnedLaunchTemplates(ctx)
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		input := &ec2.DescribeLaunchTemplateVersionsInput{Versions: []string{ref.version}}
		if ref.id != "" {
			input.LaunchTemplateId = aws.String(ref.id)
		} else {
			input.LaunchTemplateName = aws.String(ref.name)
		}

		pinned, err := p.describeTemplateVersions(ctx, input)
		if err != nil {
			return nil, err
		}
		log.Debug().
			Str("template", ref.id+ref.name).
			Str("version", ref.version).
			Int("count", len(pinned)).
			Msg("pinned launch template version listed")
		templates = append(templates, pinned...)
	}

	return templates, nil
}

func (p *Plugin) describeTemplateVersions(ctx context.Context, input *ec2.DescribeLaunchTemplateVersionsInput) ([]image.Template, error) {
	var templates []image.Template
	input.ResolveAlias = aws.Bool(true)

	for {
		output, err := p.ec2Client.DescribeLaunchTemplateVersions(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describe launch template versions: %w", err)
		}

		for _, v := range output.LaunchTemplateVersions {
			tpl, err := convertLaunchTemplateVersion(v)
			if err != nil {
				return nil, err
			}
			templates = append(templates, tpl)
		}

		if output.NextToken == nil {
			break
		}
		input.NextToken = output.NextToken
	}

	return templates, nil
}

func convertLaunchTemplateVersion(v ec2types.LaunchTemplateVersion) (image.Template, error) {
	tpl := image.Template{
		Name:   fmt.Sprintf("%s:%d", aws.ToString(v.LaunchTemplateName), aws.ToInt64(v.VersionNumber)),
		Source: image.SourceLaunchTemplate,
	}
	if v.LaunchTemplateData == nil {
		return tpl, nil
	}

	imageID := aws.ToString(v.LaunchTemplateData.ImageId)
	if strings.HasPrefix(imageID, ssmImagePrefix) {
		return tpl, fmt.Errorf("%s uses %q: %w", tpl.Name, imageID, ErrUnresolvedImage)
	}
	tpl.ImageID = imageID
	return tpl, nil
}

// pinnedLaunchTemplates returns the explicit launch template versions
// referenced by Auto Scaling groups, directly or through a mixed instances
// policy. $Default and $Latest are already covered and left out.
func (p *Plugin) pinnedLaunchTemplates(ctx context.Context) ([]launchTemplateRef, error) {
	var refs []launchTemplateRef
	seen := make(map[launchTemplateRef]bool)
	add := func(spec *asgtypes.LaunchTemplateSpecification) {
		if spec == nil {
			return
		}
		ref := launchTemplateRef{
			id:      aws.ToString(spec.LaunchTemplateId),
			name:    aws.ToString(spec.LaunchTemplateName),
			version: aws.ToString(spec.Version),
		}
		switch ref.version {
		case "", "$Default", "$Latest":
			return
		}
		if (ref.id == "" && ref.name == "") || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	var nextToken *string
	for {
		output, err := p.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe auto scaling groups: %w", err)
		}

		for _, asg := range output.AutoScalingGroups {
			add(asg.LaunchTemplate)
			if asg.MixedInstancesPolicy == nil || asg.MixedInstancesPolicy.LaunchTemplate == nil {
				continue
			}
			add(asg.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification)
			for _, o := range asg.MixedInstancesPolicy.LaunchTemplate.Overrides {
				add(o.LaunchTemplateSpecification)
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return refs, nil
}

// listLaunchConfigurations lists Auto Scaling launch configurations.
func (p *Plugin) listLaunchConfigurations(ctx context.Context) ([]image.Template, error) {
	var templates []image.Template
	var nextToken *string

	for {
		output, err := p.asgClient.DescribeLaunchConfigurations(ctx, &autoscaling.DescribeLaunchConfigurationsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe launch configurations: %w", err)
		}

		for _, lc := range output.LaunchConfigurations {
			templates = append(templates, convertLaunchConfiguration(lc))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return templates, nil
}

func convertLaunchConfiguration(lc asgtypes.LaunchConfiguration) image.Template {
	return image.Template{
		Name:    aws.ToString(lc.LaunchConfigurationName),
		Source:  image.SourceLaunchConfiguration,
		ImageID: aws.ToString(lc.ImageId),
	}
}
