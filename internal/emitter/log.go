package emitter

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogEmitter writes the summary as a structured log line.
type LogEmitter struct{}

// NewLogEmitter creates a log emitter.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{}
}

// Emit logs the summary. Failed runs log at error level.
func (e *LogEmitter) Emit(ctx context.Context, s Summary) error {
	event := log.Info()
	if s.Err != nil {
		event = log.Error().Err(s.Err)
	}

	event.
		Ctx(ctx).
		Str("run_id", s.RunID).
		Str("region", s.Region).
		Str("action", string(s.Action)).
		Int("images", s.Images).
		Int("snapshots", s.Snapshots).
		Int("deregistered", s.Deregistered).
		Int("deleted", s.Deleted).
		Int("failed", s.Failed).
		Int("skipped", s.Skipped).
		Dur("duration", s.Duration).
		Msg("cleanup complete")

	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
