// Package emitter publishes cleanup run summaries.
package emitter

import (
	"context"
	"time"

	"github.com/yairfalse/amicull/internal/executor"
)

// Summary is the outcome of one cleanup run.
type Summary struct {
	RunID        string
	Region       string
	Action       executor.Action
	Images       int
	Snapshots    int
	Deregistered int
	Deleted      int
	Failed       int
	Skipped      int
	Duration     time.Duration
	CompletedAt  time.Time
	Err          error
}

// NewSummary builds a Summary from an executor result. result may be nil
// when the run aborted before execution.
func NewSummary(runID, region string, action executor.Action, result *executor.Result, err error) Summary {
	s := Summary{
		RunID:       runID,
		Region:      region,
		Action:      action,
		CompletedAt: time.Now().UTC(),
		Err:         err,
	}
	if result != nil {
		s.Images = result.Images
		s.Snapshots = result.Snapshots
		s.Deregistered = result.Deregistered
		s.Deleted = result.Deleted
		s.Failed = result.Failed
		s.Skipped = result.Skipped
		s.Duration = result.Duration
		if !result.EndTime.IsZero() {
			s.CompletedAt = result.EndTime
		}
	}
	return s
}

// Emitter outputs run summaries to a backend.
type Emitter interface {
	// Emit sends a summary to the backend.
	Emit(ctx context.Context, summary Summary) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, summary Summary) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, summary); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}
