// Package executor reports and, in delete mode, removes the images and
// snapshots selected by the retention engine.
package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/yairfalse/amicull/pkg/image"
)

// Executor writes the two-section report and applies mutations.
type Executor struct {
	out      io.Writer
	mutator  Mutator
	recorder Recorder
	limiter  *rate.Limiter
	options  Options
}

// New creates an executor writing its report to out. mutator may be nil
// when only ActionList is used.
func New(out io.Writer, mutator Mutator, options Options) *Executor {
	e := &Executor{
		out:     out,
		mutator: mutator,
		options: options,
	}
	if options.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(options.RateLimit), 1)
	}
	return e
}

// WithRecorder attaches a mutation recorder.
func (e *Executor) WithRecorder(r Recorder) *Executor {
	e.recorder = r
	return e
}

// Execute reports every image, then every snapshot. For ActionDelete each
// image is deregistered after its line is written, and snapshot deletion
// starts only once all images are processed. Input order is kept.
func (e *Executor) Execute(ctx context.Context, images []image.Image, snapshots []image.Snapshot, action Action) (*Result, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidAction, action)
	}
	if action == ActionDelete && e.mutator == nil {
		return nil, fmt.Errorf("delete requires a mutator")
	}

	result := &Result{
		Action:    action,
		StartTime: time.Now(),
		Items:     make([]ItemResult, 0, len(images)+len(snapshots)),
		Images:    len(images),
		Snapshots: len(snapshots),
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	failedImages := make(map[string]bool)

	e.printf("images:\n---\n")
	for _, img := range images {
		e.printf("%s | %s\n", img.ID, formatTime(img.CreatedAt))

		if action == ActionList {
			result.add(ItemResult{Kind: KindImage, ID: img.ID, Status: StatusListed})
			continue
		}

		if err := e.mutate(ctx, KindImage, img.ID, e.mutator.DeregisterImage, result); err != nil {
			if !e.options.ContinueOnFailure || ctx.Err() != nil {
				return result, fmt.Errorf("deregister image %s: %w", img.ID, err)
			}
			failedImages[img.ID] = true
		}
	}

	e.printf("\nsnapshots:\n---\n")
	for _, snap := range snapshots {
		e.printf("%s | %s\n", snap.ID, formatTime(snap.StartTime))

		if action == ActionList {
			result.add(ItemResult{Kind: KindSnapshot, ID: snap.ID, Status: StatusListed})
			continue
		}

		if owner, ok := failedOwner(snap, failedImages); ok {
			result.add(ItemResult{
				Kind:       KindSnapshot,
				ID:         snap.ID,
				Status:     StatusSkipped,
				SkipReason: fmt.Sprintf("image %s was not deregistered", owner),
			})
			e.record(ctx, KindSnapshot, StatusSkipped)
			log.Warn().Str("snapshot", snap.ID).Str("image", owner).Msg("snapshot skipped, owning image still registered")
			continue
		}

		if err := e.mutate(ctx, KindSnapshot, snap.ID, e.mutator.DeleteSnapshot, result); err != nil {
			if !e.options.ContinueOnFailure || ctx.Err() != nil {
				return result, fmt.Errorf("delete snapshot %s: %w", snap.ID, err)
			}
		}
	}

	if result.Failed > 0 {
		e.printProblems(result)
		return result, fmt.Errorf("%d of %d mutations failed: %w", result.Failed, len(result.Items), ErrPartialFailure)
	}
	return result, nil
}

func (e *Executor) mutate(ctx context.Context, kind, id string, fn func(context.Context, string) error, result *Result) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			result.add(ItemResult{Kind: kind, ID: id, Status: StatusFailed, Error: err.Error()})
			e.record(ctx, kind, StatusFailed)
			return err
		}
	}

	if err := fn(ctx, id); err != nil {
		result.add(ItemResult{Kind: kind, ID: id, Status: StatusFailed, Error: err.Error()})
		e.record(ctx, kind, StatusFailed)
		log.Error().Err(err).Str("kind", kind).Str("id", id).Msg("mutation failed")
		return err
	}

	result.add(ItemResult{Kind: kind, ID: id, Status: StatusSuccess})
	e.record(ctx, kind, StatusSuccess)
	log.Debug().Str("kind", kind).Str("id", id).Msg("removed")
	return nil
}

// printProblems appends a section listing failed and skipped items.
func (e *Executor) printProblems(result *Result) {
	e.printf("\nfailures:\n---\n")
	for _, item := range result.Problems() {
		if item.Status == StatusFailed {
			e.printf("%s %s | failed: %s\n", item.Kind, item.ID, item.Error)
		} else {
			e.printf("%s %s | skipped: %s\n", item.Kind, item.ID, item.SkipReason)
		}
	}
}

// failedOwner returns the first owner of snap whose deregistration failed.
func failedOwner(snap image.Snapshot, failed map[string]bool) (string, bool) {
	for _, owner := range snap.Owners() {
		if failed[owner] {
			return owner, true
		}
	}
	return "", false
}

func (e *Executor) record(ctx context.Context, kind string, status Status) {
	if e.recorder != nil {
		e.recorder.RecordMutation(ctx, kind, status)
	}
}

func (e *Executor) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e.out, format, args...)
}

func (r *Result) add(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case StatusSuccess:
		if item.Kind == KindImage {
			r.Deregistered++
		} else {
			r.Deleted++
		}
	case StatusFailed:
		r.Failed++
	case StatusSkipped:
		r.Skipped++
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
