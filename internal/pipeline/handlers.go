package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/ralph-fleet/ralphd/internal/logfields"
)

// CheckpointWriter persists one task's checkpoint, e.g. to the durable
// task store so a later Resume can pick up where the worker left off.
type CheckpointWriter interface {
	RecordCheckpoint(taskPath string, cp string) error
}

// NewCheckpointHandler returns a Handler that writes the reached
// checkpoint to writer, deduping consecutive repeats of the same
// checkpoint for the same task (a resumed worker may re-emit the
// checkpoint it paused at).
func NewCheckpointHandler(writer CheckpointWriter) Handler {
	last := make(map[string]string)
	return func(e Event) error {
		cr, ok := e.(CheckpointReached)
		if !ok {
			return fmt.Errorf("invalid checkpoint event: %#v", e)
		}
		if last[cr.TaskPath] == string(cr.Checkpoint) {
			return nil
		}
		if err := writer.RecordCheckpoint(cr.TaskPath, string(cr.Checkpoint)); err != nil {
			return fmt.Errorf("record checkpoint %s for %s: %w", cr.Checkpoint, cr.TaskPath, err)
		}
		last[cr.TaskPath] = string(cr.Checkpoint)
		slog.Info("checkpoint reached", logfields.TaskPath(cr.TaskPath), logfields.Checkpoint(string(cr.Checkpoint)))
		return nil
	}
}

// NewStageFailedHandler returns a Handler that logs a stage failure
// through the standard fields and then returns the failure's own error,
// so a WithRetry wrapper around it retries the event and, once it gives
// up, dead-letters it; an event of any other type is rejected with an
// error.
func NewStageFailedHandler() Handler {
	return func(e Event) error {
		sf, ok := e.(StageFailed)
		if !ok {
			return fmt.Errorf("invalid stage-failed event: %#v", e)
		}
		slog.Warn("stage failed", logfields.TaskPath(sf.TaskPath), logfields.Stage(string(sf.Stage)), logfields.Error(sf.Err))
		return sf.Err
	}
}
