// Package ralphtypes holds the pure data shapes shared across ralphd's
// orchestration kernel: tasks, control-plane state, scheduler primitives,
// and the pipeline checkpoint enum. It intentionally carries no behavior
// so every component can depend on these shapes without import cycles,
// mirroring the split between internal/state/models.go (shapes) and
// internal/state/service.go (behavior) in the teacher repository.
package ralphtypes

import "time"

// TaskStatus is the lifecycle status of a Task. See the transition table
// in Component D (Task Queue).
type TaskStatus string

const (
	StatusQueued      TaskStatus = "queued"
	StatusStarting    TaskStatus = "starting"
	StatusInProgress  TaskStatus = "in-progress"
	StatusThrottled   TaskStatus = "throttled"
	StatusBlocked     TaskStatus = "blocked"
	StatusWaitingOnPR TaskStatus = "waiting-on-pr"
	StatusEscalated   TaskStatus = "escalated"
	StatusDone        TaskStatus = "done"
)

// Priority tags a task as fresh or resume work; the dispatch passes do not
// read it.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityResume
)

// Checkpoint is the ordered pipeline-milestone enum used for dashboard
// events, pause-at points, and per-run de-duplication.
type Checkpoint string

const (
	CheckpointPlanned                     Checkpoint = "planned"
	CheckpointRouted                      Checkpoint = "routed"
	CheckpointImplementationStepComplete  Checkpoint = "implementation_step_complete"
	CheckpointPRReady                     Checkpoint = "pr_ready"
	CheckpointMergeStepComplete           Checkpoint = "merge_step_complete"
	CheckpointSurveyComplete              Checkpoint = "survey_complete"
	CheckpointRecorded                    Checkpoint = "recorded"
)

// CheckpointOrder lists the recognized checkpoints in pipeline order;
// IsValidCheckpoint checks membership against it.
var CheckpointOrder = []Checkpoint{
	CheckpointPlanned,
	CheckpointRouted,
	CheckpointImplementationStepComplete,
	CheckpointPRReady,
	CheckpointMergeStepComplete,
	CheckpointSurveyComplete,
	CheckpointRecorded,
}

// IsValidCheckpoint reports whether c is one of the recognized checkpoints.
func IsValidCheckpoint(c Checkpoint) bool {
	for _, known := range CheckpointOrder {
		if known == c {
			return true
		}
	}
	return false
}

// Task is a single unit of agent work bound to one upstream issue.
// Path is its opaque, unique key (conventionally "<repo>#<issue>/<slot>").
type Task struct {
	Path     string     `json:"path"`
	Repo     string     `json:"repo"`     // owner/name
	IssueRef string     `json:"issue_ref"` // owner/name#N
	Status   TaskStatus `json:"status"`
	Priority Priority   `json:"priority"`

	SessionID    string `json:"session_id,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
	RepoSlot     string `json:"repo_slot,omitempty"`

	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ThrottledAt  *time.Time `json:"throttled_at,omitempty"`
	ResumeAt     *time.Time `json:"resume_at,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`

	BlockedSource string     `json:"blocked_source,omitempty"`
	BlockedAt     *time.Time `json:"blocked_at,omitempty"`
	BlockedDetail string     `json:"blocked_detail,omitempty"`

	WatchdogRetries int `json:"watchdog_retries"`
	StallRetries    int `json:"stall_retries"`

	RunLogPath        string     `json:"run_log_path,omitempty"`
	PausedAtCheckpoint Checkpoint `json:"paused_at_checkpoint,omitempty"`
	UsageSnapshot      string     `json:"usage_snapshot,omitempty"` // bounded, redacted JSON blob
}

// Clone returns a deep-enough copy of t for safe external observation
// (handlers/tests) while a worker continues to mutate the original.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.AssignedAt != nil {
		v := *t.AssignedAt
		cp.AssignedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.ThrottledAt != nil {
		v := *t.ThrottledAt
		cp.ThrottledAt = &v
	}
	if t.ResumeAt != nil {
		v := *t.ResumeAt
		cp.ResumeAt = &v
	}
	if t.HeartbeatAt != nil {
		v := *t.HeartbeatAt
		cp.HeartbeatAt = &v
	}
	if t.BlockedAt != nil {
		v := *t.BlockedAt
		cp.BlockedAt = &v
	}
	return &cp
}

// ControlMode is the daemon-wide admission mode recorded in control.json.
type ControlMode string

const (
	ModeRunning  ControlMode = "running"
	ModeDraining ControlMode = "draining"
)

// ControlState is the singleton on-disk control-plane record (§3, §6).
type ControlState struct {
	Mode              ControlMode `json:"mode"`
	PauseRequested    *bool       `json:"pause_requested,omitempty"`
	PauseAtCheckpoint *Checkpoint `json:"pause_at_checkpoint,omitempty"`
	DrainTimeoutMs    *int        `json:"drain_timeout_ms,omitempty"`
	Version           int         `json:"version"`
}

// DaemonRecord is one entry in the daemon registry (§3, §6).
type DaemonRecord struct {
	Version         int       `json:"version"`
	DaemonID        string    `json:"daemonId"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"startedAt"`
	HeartbeatAt     time.Time `json:"heartbeatAt"`
	ControlRoot     string    `json:"controlRoot"`
	Command         []string  `json:"command"`
	Cwd             string    `json:"cwd"`
	ControlFilePath string    `json:"controlFilePath"`
	RalphVersion    string    `json:"ralphVersion,omitempty"`
}

// DaemonLock is the exclusive daemon.lock record (§6).
type DaemonLock struct {
	DaemonID   string    `json:"daemonId"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Token      string    `json:"token"`
}

// CircuitBreakerState is the per-(repo,issue,fingerprint) sliding window (§3).
type CircuitBreakerState struct {
	FailureTimestamps []time.Time `json:"failure_timestamps"`
	Opened            bool        `json:"opened"`
}

// PrCreateLease is a durable idempotency-table record for Component H (§3).
type PrCreateLease struct {
	Key        string    `json:"key"`
	Repo       string    `json:"repo"`
	Issue      int       `json:"issue"`
	BaseBranch string    `json:"base_branch"`
	Holder     string    `json:"holder"`
	CreatedAt  time.Time `json:"created_at"`
}

// Gate is the scheduler-wide admission verdict.
type Gate string

const (
	GateRunning       Gate = "running"
	GateDraining      Gate = "draining"
	GateSoftThrottled Gate = "soft-throttled"
)
