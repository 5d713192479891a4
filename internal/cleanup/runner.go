// Package cleanup runs one retention pass: resolve in-use images, select
// unprotected ones, expand their snapshots and hand both to the executor.
package cleanup

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/amicull/internal/emitter"
	"github.com/yairfalse/amicull/internal/executor"
	"github.com/yairfalse/amicull/internal/inuse"
	"github.com/yairfalse/amicull/internal/retention"
	"github.com/yairfalse/amicull/pkg/image"
)

// ImageLister lists images owned by the account.
type ImageLister interface {
	ListOwnedImages(ctx context.Context) ([]image.Image, error)
}

// SnapshotDescriber fills snapshot start times, preserving order.
type SnapshotDescriber interface {
	DescribeSnapshots(ctx context.Context, snapshots []image.Snapshot) ([]image.Snapshot, error)
}

// KeepPolicy returns the IDs of images a policy wants kept.
type KeepPolicy interface {
	KeptIDs(ctx context.Context, images []image.Image) ([]string, error)
}

// Metrics receives run level measurements.
type Metrics interface {
	executor.Recorder
	RecordSelection(ctx context.Context, region string, action executor.Action, images, snapshots int)
	RecordRun(ctx context.Context, region string, action executor.Action, d time.Duration, err error)
}

// Options configures a single run.
type Options struct {
	Action            string
	Region            string
	Tags              map[string]string
	Keep              []string
	DedupeSnapshots   bool
	ContinueOnFailure bool
	DeleteRate        float64
}

// Runner wires the provider, retention rules and executor together.
type Runner struct {
	resolver  *inuse.Resolver
	images    ImageLister
	snapshots SnapshotDescriber
	mutator   executor.Mutator
	out       io.Writer

	policy  KeepPolicy
	metrics Metrics
	emitter emitter.Emitter
	tracer  trace.Tracer
	runID   func() string
}

// NewRunner creates a runner. Report output goes to out.
func NewRunner(resolver *inuse.Resolver, images ImageLister, snapshots SnapshotDescriber, mutator executor.Mutator, out io.Writer) *Runner {
	return &Runner{
		resolver:  resolver,
		images:    images,
		snapshots: snapshots,
		mutator:   mutator,
		out:       out,
		tracer:    otel.Tracer("amicull/cleanup"),
		runID:     uuid.NewString,
	}
}

// WithPolicy sets an optional keep policy.
func (r *Runner) WithPolicy(p KeepPolicy) *Runner {
	r.policy = p
	return r
}

// WithMetrics sets the metrics recorder.
func (r *Runner) WithMetrics(m Metrics) *Runner {
	r.metrics = m
	return r
}

// WithEmitter sets where run summaries go.
func (r *Runner) WithEmitter(e emitter.Emitter) *Runner {
	r.emitter = e
	return r
}

// WithTracer replaces the global tracer.
func (r *Runner) WithTracer(t trace.Tracer) *Runner {
	r.tracer = t
	return r
}

// Run executes one cleanup pass. An invalid action fails before any
// provider call. The returned result may be non-nil alongside an error
// when execution stopped part way.
func (r *Runner) Run(ctx context.Context, opts Options) (*executor.Result, error) {
	action, err := executor.ParseAction(opts.Action)
	if err != nil {
		return nil, err
	}

	runID := r.runID()
	logger := log.With().
		Str("run_id", runID).
		Str("region", opts.Region).
		Str("action", string(action)).
		Logger()
	ctx = logger.WithContext(ctx)

	logger.Info().Msg(Banner(action, opts.Region, opts.Tags, opts.Keep))

	start := time.Now()
	result, err := r.run(ctx, &logger, action, opts)
	r.finish(ctx, &logger, runID, action, opts.Region, time.Since(start), result, err)

	return result, err
}

func (r *Runner) run(ctx context.Context, logger *zerolog.Logger, action executor.Action, opts Options) (*executor.Result, error) {
	ctx, span := r.tracer.Start(ctx, "cleanup.run", trace.WithAttributes(
		attribute.String("region", opts.Region),
		attribute.String("action", string(action)),
	))
	defer span.End()

	// 1. Resolve in-use images; no templates aborts before images are listed
	inUse, err := r.resolver.Resolve(ctx, opts.Region)
	if err != nil {
		return nil, spanError(span, err)
	}

	keep := retention.NewKeepSet(opts.Keep)
	keep.Merge(inUse)
	logger.Debug().
		Strs("keep", keep.Sorted()).
		Int("in_use", len(inUse)).
		Msg("keep set resolved")

	// 2. List owned images
	images, err := r.images.ListOwnedImages(ctx)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("list images: %w", err))
	}

	// 3. Select, then let the policy protect more
	selected := retention.Classify(images, opts.Tags, keep)
	if r.policy != nil && len(selected) > 0 {
		kept, err := r.policy.KeptIDs(ctx, selected)
		if err != nil {
			return nil, spanError(span, fmt.Errorf("keep policy: %w", err))
		}
		if len(kept) > 0 {
			logger.Info().Strs("images", kept).Msg("kept by policy")
			keep.Add(kept...)
			selected = retention.Classify(selected, opts.Tags, keep)
		}
	}

	// 4. Expand dependent snapshots
	snapshots := retention.ExpandSnapshots(selected)
	if opts.DedupeSnapshots {
		snapshots = retention.DedupeSnapshots(snapshots)
	}
	if len(snapshots) > 0 {
		snapshots, err = r.snapshots.DescribeSnapshots(ctx, snapshots)
		if err != nil {
			return nil, spanError(span, fmt.Errorf("describe snapshots: %w", err))
		}
	}

	logger.Info().
		Int("owned", len(images)).
		Int("images", len(selected)).
		Int("snapshots", len(snapshots)).
		Msg("selection complete")
	span.SetAttributes(
		attribute.Int("images.selected", len(selected)),
		attribute.Int("snapshots.selected", len(snapshots)),
	)
	if r.metrics != nil {
		r.metrics.RecordSelection(ctx, opts.Region, action, len(selected), len(snapshots))
	}

	// 5. Report and mutate
	exec := executor.New(r.out, r.mutator, executor.Options{
		ContinueOnFailure: opts.ContinueOnFailure,
		RateLimit:         opts.DeleteRate,
	})
	if r.metrics != nil {
		exec.WithRecorder(r.metrics)
	}

	result, err := exec.Execute(ctx, selected, snapshots, action)
	if err != nil {
		return result, spanError(span, err)
	}
	return result, nil
}

func (r *Runner) finish(ctx context.Context, logger *zerolog.Logger, runID string, action executor.Action, region string, d time.Duration, result *executor.Result, err error) {
	if r.metrics != nil {
		r.metrics.RecordRun(ctx, region, action, d, err)
	}
	if r.emitter == nil {
		return
	}

	summary := emitter.NewSummary(runID, region, action, result, err)
	if summary.Duration == 0 {
		summary.Duration = d
	}
	if emitErr := r.emitter.Emit(ctx, summary); emitErr != nil {
		logger.Warn().Err(emitErr).Msg("failed to emit run summary")
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Banner describes what a run is about to do.
func Banner(action executor.Action, region string, tags map[string]string, keep []string) string {
	return fmt.Sprintf("%s inactive images and snapshots in %s with tags %s except %s...",
		gerund(action), region, formatTags(tags), formatKeep(keep))
}

func gerund(action executor.Action) string {
	s := strings.TrimSuffix(string(action), "e") + "ing"
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatTags(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		pairs = append(pairs, k+"="+tags[k])
	}
	return "{" + strings.Join(pairs, ", ") + "}"
}

func formatKeep(keep []string) string {
	return "[" + strings.Join(keep, ", ") + "]"
}
