// Package policy evaluates an optional rego keep policy against images.
// A policy can only protect images; it never selects one for deletion.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/amicull/pkg/image"
)

// DefaultQuery is the rule a keep policy must define.
const DefaultQuery = "data.amicull.keep"

// Input is the document a policy sees as `input`.
type Input struct {
	Image     ImageInput `json:"image"`
	Region    string     `json:"region"`
	Timestamp time.Time  `json:"timestamp"`
}

// ImageInput is the image view exposed to policies.
type ImageInput struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags"`
	CreatedAt string            `json:"created_at"`
	AgeDays   int               `json:"age_days"`
	Snapshots []string          `json:"snapshots"`
}

// Policy is a compiled keep policy.
type Policy struct {
	name   string
	region string
	query  rego.PreparedEvalQuery
	tracer trace.Tracer
	now    func() time.Time
}

// LoadFile compiles the rego module at path.
func LoadFile(ctx context.Context, path, region string) (*Policy, error) {
	src, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return New(ctx, filepath.Base(path), string(src), region)
}

// New compiles a rego module defining DefaultQuery.
func New(ctx context.Context, name, src, region string) (*Policy, error) {
	prepared, err := rego.New(
		rego.Query(DefaultQuery),
		rego.Module(name, src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}

	log.Debug().Str("policy", name).Msg("keep policy loaded")

	return &Policy{
		name:   name,
		region: region,
		query:  prepared,
		tracer: otel.Tracer("amicull/policy"),
		now:    time.Now,
	}, nil
}

// WithTracer replaces the global tracer.
func (p *Policy) WithTracer(t trace.Tracer) *Policy {
	p.tracer = t
	return p
}

// Keep reports whether the policy protects img. An undefined rule means
// the image is not protected.
func (p *Policy) Keep(ctx context.Context, img image.Image) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "policy.keep",
		trace.WithAttributes(attribute.String("image.id", img.ID)))
	defer span.End()

	rs, err := p.query.Eval(ctx, rego.EvalInput(p.buildInput(img)))
	if err != nil {
		return false, fmt.Errorf("evaluate policy %s for %s: %w", p.name, img.ID, err)
	}
	return rs.Allowed(), nil
}

// KeptIDs returns the IDs of images the policy protects, in input order.
func (p *Policy) KeptIDs(ctx context.Context, images []image.Image) ([]string, error) {
	var kept []string
	for _, img := range images {
		ok, err := p.Keep(ctx, img)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Debug().Str("image", img.ID).Str("policy", p.name).Msg("kept by policy")
			kept = append(kept, img.ID)
		}
	}
	return kept, nil
}

func (p *Policy) buildInput(img image.Image) Input {
	now := p.now()

	var snapshots []string
	for _, dev := range img.BlockDevices {
		if dev.StorageBacked() {
			snapshots = append(snapshots, dev.SnapshotID)
		}
	}

	tags := img.Tags
	if tags == nil {
		tags = map[string]string{}
	}

	in := ImageInput{
		ID:        img.ID,
		Name:      img.Name,
		Tags:      tags,
		Snapshots: snapshots,
	}
	if !img.CreatedAt.IsZero() {
		in.CreatedAt = img.CreatedAt.UTC().Format(time.RFC3339)
		in.AgeDays = int(now.Sub(img.CreatedAt).Hours() / 24)
	}

	return Input{Image: in, Region: p.region, Timestamp: now}
}
