// Package taskqueue implements Component D: the durable task store and
// the status-transition table every worker must go through. No other
// package is allowed to mutate a task's status directly.
package taskqueue

import (
	"context"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// QueueAdapter is the capability bundle a RepoWorker is constructed
// against. It is the sole owner of task status transitions; a worker may
// mutate its in-memory task copy only after the adapter reports success.
type QueueAdapter interface {
	GetQueuedTasks(ctx context.Context) ([]*ralphtypes.Task, error)
	GetTasksByStatus(ctx context.Context, status ralphtypes.TaskStatus) ([]*ralphtypes.Task, error)
	GetTaskByPath(ctx context.Context, path string) (*ralphtypes.Task, error)

	// UpdateTaskStatus attempts to move the stored task at path from its
	// current stored status to newStatus, applying patch fields in the
	// same write. It returns true iff the stored status actually moved to
	// newStatus (false if the transition was invalid or a concurrent
	// writer already moved it elsewhere).
	UpdateTaskStatus(ctx context.Context, path string, newStatus ralphtypes.TaskStatus, patch Patch) (bool, error)

	// Enqueue inserts a brand-new task in StatusQueued.
	Enqueue(ctx context.Context, task *ralphtypes.Task) error
}

// Patch carries the optional fields an UpdateTaskStatus call should apply
// alongside the status change. Nil fields are left untouched; the Clear*
// flags null out a column regardless of its current value, used by the
// exit-fields policy on a `done` transition.
type Patch struct {
	SessionID    *string
	WorktreePath *string
	WorkerID     *string
	RepoSlot     *string

	AssignedAt  *time.Time
	ResumeAt    *time.Time
	ThrottledAt *time.Time
	HeartbeatAt *time.Time
	CompletedAt *time.Time

	BlockedSource *string
	BlockedAt     *time.Time
	BlockedDetail *string

	WatchdogRetries *int
	StallRetries    *int

	RunLogPath         *string
	PausedAtCheckpoint *ralphtypes.Checkpoint
	UsageSnapshot      *string

	ClearSessionIdentity bool // clears session-id, worktree-path, worker-id, repo-slot
	ClearWatchdogRetries bool
	ClearBlocked         bool // clears blocked-source, blocked-at, blocked-detail
}

// ExitFieldsPatch returns the patch implementing the `done` exit-fields
// policy: clear session-id, worktree-path, worker-id, repo-slot,
// watchdog-retries, and all blocked-* fields.
func ExitFieldsPatch() Patch {
	return Patch{
		ClearSessionIdentity: true,
		ClearWatchdogRetries: true,
		ClearBlocked:         true,
	}
}
