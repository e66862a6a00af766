package pipeline

import "github.com/ralph-fleet/ralphd/internal/ralphtypes"

// Event is a domain event published by stage commands and consumed by
// handlers (checkpoint persistence, dashboard notification, metrics).
type Event interface{ Name() string }

// SimpleEvent is a lightweight event implementation used by tests and by
// callers that don't need a typed payload.
type SimpleEvent struct{ E string }

func (s SimpleEvent) Name() string { return s.E }

// Event names published during a RepoWorker drive pass.
const (
	EventCheckpointReached = "CheckpointReached"
	EventStageFailed       = "StageFailed"
)

// CheckpointReached carries the task path and the checkpoint a stage just
// completed, for the dashboard/event-store subscriber.
type CheckpointReached struct {
	TaskPath   string
	Checkpoint ralphtypes.Checkpoint
}

func (CheckpointReached) Name() string { return EventCheckpointReached }

func (c CheckpointReached) GetBuildID() string { return c.TaskPath }

// StageFailed carries the task path, the failing stage, and its error for
// the same subscribers.
type StageFailed struct {
	TaskPath string
	Stage    StageName
	Err      error
}

func (StageFailed) Name() string { return EventStageFailed }

func (s StageFailed) GetBuildID() string { return s.TaskPath }
