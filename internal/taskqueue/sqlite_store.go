package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable QueueAdapter implementation, backed by the
// pure-Go modernc.org/sqlite driver so ralphd stays cgo-free.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating if necessary) the task database at
// dbPath. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		path                 TEXT PRIMARY KEY,
		repo                 TEXT NOT NULL,
		issue_ref            TEXT NOT NULL,
		status               TEXT NOT NULL,
		priority             INTEGER NOT NULL DEFAULT 0,
		session_id           TEXT,
		worktree_path        TEXT,
		worker_id            TEXT,
		repo_slot            TEXT,
		assigned_at          INTEGER,
		completed_at         INTEGER,
		throttled_at         INTEGER,
		resume_at            INTEGER,
		heartbeat_at         INTEGER,
		blocked_source       TEXT,
		blocked_at           INTEGER,
		blocked_detail       TEXT,
		watchdog_retries     INTEGER NOT NULL DEFAULT 0,
		stall_retries        INTEGER NOT NULL DEFAULT 0,
		run_log_path         TEXT,
		paused_at_checkpoint TEXT,
		usage_snapshot       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_repo ON tasks(repo);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Enqueue inserts task with StatusQueued, ignoring any status already set
// on the passed-in value.
func (s *SQLiteStore) Enqueue(ctx context.Context, task *ralphtypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (path, repo, issue_ref, status, priority)
		VALUES (?, ?, ?, ?, ?)`,
		task.Path, task.Repo, task.IssueRef, ralphtypes.StatusQueued, task.Priority,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.Path, err)
	}
	return nil
}

// GetQueuedTasks returns all tasks with StatusQueued.
func (s *SQLiteStore) GetQueuedTasks(ctx context.Context) ([]*ralphtypes.Task, error) {
	return s.GetTasksByStatus(ctx, ralphtypes.StatusQueued)
}

// GetTasksByStatus returns every task currently stored at status.
func (s *SQLiteStore) GetTasksByStatus(ctx context.Context, status ralphtypes.TaskStatus) ([]*ralphtypes.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectColumns+" FROM tasks WHERE status = ? ORDER BY path", status)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTaskByPath returns the task at path, or nil if none exists.
func (s *SQLiteStore) GetTaskByPath(ctx context.Context, path string) (*ralphtypes.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectColumns+" FROM tasks WHERE path = ?", path)
	task, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task by path: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus enforces the §4.D transition table and applies patch
// atomically with the status change. It returns false without error when
// the task does not exist or the transition is not allowed.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, path string, newStatus ralphtypes.TaskStatus, patch Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE path = ?", path).Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read current status: %w", err)
	}

	if !IsAllowedTransition(ralphtypes.TaskStatus(current), newStatus) {
		return false, nil
	}

	set, args := buildPatchAssignments(patch)
	set = append([]string{"status = ?"}, set...)
	args = append([]any{newStatus}, args...)
	args = append(args, path)

	query := "UPDATE tasks SET " + strings.Join(set, ", ") + " WHERE path = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("apply status update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit status update: %w", err)
	}
	return true, nil
}

// RecordCheckpoint writes the reached pipeline checkpoint for the task at
// path without touching its status, satisfying pipeline.CheckpointWriter.
// Unlike UpdateTaskStatus this never goes through the transition table:
// a checkpoint is an in-flight progress marker, not a status move.
func (s *SQLiteStore) RecordCheckpoint(path string, cp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE tasks SET paused_at_checkpoint = ? WHERE path = ?", cp, path)
	if err != nil {
		return fmt.Errorf("record checkpoint for %s: %w", path, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record checkpoint: task %s not found", path)
	}
	return nil
}

// buildPatchAssignments turns a Patch into SQL "col = ?" fragments and
// their bound arguments. Clear* flags take precedence over any field the
// caller also set, matching the exit-fields policy's "clear regardless"
// semantics.
func buildPatchAssignments(p Patch) ([]string, []any) {
	var set []string
	var args []any

	add := func(col string, val any) {
		set = append(set, col+" = ?")
		args = append(args, val)
	}

	if p.ClearSessionIdentity {
		add("session_id", nil)
		add("worktree_path", nil)
		add("worker_id", nil)
		add("repo_slot", nil)
	} else {
		if p.SessionID != nil {
			add("session_id", *p.SessionID)
		}
		if p.WorktreePath != nil {
			add("worktree_path", *p.WorktreePath)
		}
		if p.WorkerID != nil {
			add("worker_id", *p.WorkerID)
		}
		if p.RepoSlot != nil {
			add("repo_slot", *p.RepoSlot)
		}
	}

	if p.ClearWatchdogRetries {
		add("watchdog_retries", 0)
	} else if p.WatchdogRetries != nil {
		add("watchdog_retries", *p.WatchdogRetries)
	}
	if p.StallRetries != nil {
		add("stall_retries", *p.StallRetries)
	}

	if p.ClearBlocked {
		add("blocked_source", nil)
		add("blocked_at", nil)
		add("blocked_detail", nil)
	} else {
		if p.BlockedSource != nil {
			add("blocked_source", *p.BlockedSource)
		}
		if p.BlockedAt != nil {
			add("blocked_at", p.BlockedAt.Unix())
		}
		if p.BlockedDetail != nil {
			add("blocked_detail", *p.BlockedDetail)
		}
	}

	if p.AssignedAt != nil {
		add("assigned_at", p.AssignedAt.Unix())
	}
	if p.CompletedAt != nil {
		add("completed_at", p.CompletedAt.Unix())
	}
	if p.ThrottledAt != nil {
		add("throttled_at", p.ThrottledAt.Unix())
	}
	if p.ResumeAt != nil {
		add("resume_at", p.ResumeAt.Unix())
	}
	if p.HeartbeatAt != nil {
		add("heartbeat_at", p.HeartbeatAt.Unix())
	}
	if p.RunLogPath != nil {
		add("run_log_path", *p.RunLogPath)
	}
	if p.PausedAtCheckpoint != nil {
		add("paused_at_checkpoint", string(*p.PausedAtCheckpoint))
	}
	if p.UsageSnapshot != nil {
		add("usage_snapshot", *p.UsageSnapshot)
	}

	return set, args
}

const selectColumns = `SELECT
	path, repo, issue_ref, status, priority,
	session_id, worktree_path, worker_id, repo_slot,
	assigned_at, completed_at, throttled_at, resume_at, heartbeat_at,
	blocked_source, blocked_at, blocked_detail,
	watchdog_retries, stall_retries,
	run_log_path, paused_at_checkpoint, usage_snapshot`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*ralphtypes.Task, error) {
	var t ralphtypes.Task
	var (
		sessionID, worktreePath, workerID, repoSlot                    sql.NullString
		assignedAt, completedAt, throttledAt, resumeAt, heartbeatAt     sql.NullInt64
		blockedSource, blockedDetail                                   sql.NullString
		blockedAt                                                      sql.NullInt64
		runLogPath, pausedAtCheckpoint, usageSnapshot                  sql.NullString
	)

	if err := row.Scan(
		&t.Path, &t.Repo, &t.IssueRef, &t.Status, &t.Priority,
		&sessionID, &worktreePath, &workerID, &repoSlot,
		&assignedAt, &completedAt, &throttledAt, &resumeAt, &heartbeatAt,
		&blockedSource, &blockedAt, &blockedDetail,
		&t.WatchdogRetries, &t.StallRetries,
		&runLogPath, &pausedAtCheckpoint, &usageSnapshot,
	); err != nil {
		return nil, err
	}

	t.SessionID = sessionID.String
	t.WorktreePath = worktreePath.String
	t.WorkerID = workerID.String
	t.RepoSlot = repoSlot.String
	t.BlockedSource = blockedSource.String
	t.BlockedDetail = blockedDetail.String
	t.RunLogPath = runLogPath.String
	t.PausedAtCheckpoint = ralphtypes.Checkpoint(pausedAtCheckpoint.String)
	t.UsageSnapshot = usageSnapshot.String

	t.AssignedAt = nullInt64ToTime(assignedAt)
	t.CompletedAt = nullInt64ToTime(completedAt)
	t.ThrottledAt = nullInt64ToTime(throttledAt)
	t.ResumeAt = nullInt64ToTime(resumeAt)
	t.HeartbeatAt = nullInt64ToTime(heartbeatAt)
	t.BlockedAt = nullInt64ToTime(blockedAt)

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*ralphtypes.Task, error) {
	var tasks []*ralphtypes.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

func nullInt64ToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

var _ QueueAdapter = (*SQLiteStore)(nil)
