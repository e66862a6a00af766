package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ralph-fleet/ralphd/internal/circuitbreaker"
	"github.com/ralph-fleet/ralphd/internal/hostclient"
	"github.com/ralph-fleet/ralphd/internal/lease"
	"github.com/ralph-fleet/ralphd/internal/logfields"
	"github.com/ralph-fleet/ralphd/internal/mergegate"
	"github.com/ralph-fleet/ralphd/internal/pipeline/recovery"
	"github.com/ralph-fleet/ralphd/internal/prresolver"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
	"github.com/ralph-fleet/ralphd/internal/taskqueue"
)

// Worktree is the capability a RepoWorker needs from the git layer: an
// isolated checkout per task, reused on resume, removed on exit.
type Worktree interface {
	Ensure(ctx context.Context, repo, path, baseBranch string) (dir string, err error)
	Remove(ctx context.Context, dir string) error
	HasUncommittedChanges(dir string) (bool, error)
}

// Deps bundles the capabilities a RepoWorker is constructed against. A
// worker never reaches for a global; every external effect goes through
// one of these fields, the way the pipeline handlers only ever reach
// the bus and the git client passed to them.
type Deps struct {
	Sessions    sessionrunner.SessionRunner
	Host        hostclient.HostClient
	Breaker     *circuitbreaker.Breaker
	Leases      *lease.Table
	Resolver    *prresolver.Resolver
	MergeGate   *mergegate.Gate
	Worktrees   Worktree
	Commands    CommandRunner
	Checkpoints CheckpointWriter
	Queue       taskqueue.QueueAdapter
	Bus         *Bus
	Now         func() time.Time
}

// Outcome is the terminal state a drive pass settled into.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeThrottled    Outcome = "throttled"
	OutcomeWaitingOnPR  Outcome = "waiting-on-pr"
	OutcomePausedAt     Outcome = "paused"
)

// RunResult is what one Run/Resume call settled on.
type RunResult struct {
	Outcome    Outcome
	Reason     string
	Checkpoint ralphtypes.Checkpoint
	ResumeAt   *time.Time // set when Outcome is OutcomeThrottled
	State      *WorkerState
}

// RepoWorker drives one task through the eleven §4.E stages, applying
// the circuit-breaker interlock (Component G) and the watchdog/stall/
// loop recovery decisions (Component F) along the way.
type RepoWorker struct {
	deps     Deps
	pipeline *Pipeline
	log      *slog.Logger
}

// New builds a RepoWorker with its full stage registry wired against deps.
func New(deps Deps, log *slog.Logger) *RepoWorker {
	if log == nil {
		log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	w := &RepoWorker{deps: deps, log: log}

	registry := NewCommandRegistry()
	registry.Register(w.preflightStage())
	registry.Register(w.worktreeStage())
	registry.Register(w.setupStage())
	registry.Register(w.planStage())
	registry.Register(w.routeStage())
	registry.Register(w.buildStage())
	registry.Register(w.prAcquireStage())
	registry.Register(w.prReadinessStage())
	registry.Register(w.mergeGateStage())
	registry.Register(w.surveyStage())
	registry.Register(w.finalizeStage())

	w.pipeline = NewPipeline(registry, WithMiddleware(
		append(DefaultMiddleware(), CheckpointMiddleware(w.emitCheckpoint))...,
	))
	return w
}

func (w *RepoWorker) emitCheckpoint(ws *WorkerState, cp ralphtypes.Checkpoint) error {
	if w.deps.Checkpoints != nil {
		if err := w.deps.Checkpoints.RecordCheckpoint(ws.Task.Path, string(cp)); err != nil {
			return err
		}
	}
	if w.deps.Bus != nil {
		if err := w.deps.Bus.Publish(CheckpointReached{TaskPath: ws.Task.Path, Checkpoint: cp}); err != nil {
			return err
		}
	}
	if plan, ok := ws.Get("plan").(*IssuePlan); ok && plan.PauseAtCheckpoint != nil && *plan.PauseAtCheckpoint == cp {
		ws.Set("paused", true)
		ws.Set("pauseReason", fmt.Sprintf("paused at checkpoint %s", cp))
	}
	return nil
}

// pausedSkip is the shared SkipIf every stage after the first registers:
// once emitCheckpoint has flagged the run paused, every later stage is a
// no-op so the pipeline unwinds to drive's pause handling.
func pausedSkip(ws *WorkerState) bool {
	paused, _ := ws.Get("paused").(bool)
	return paused
}

// Run drives plan.Task from scratch through every stage up to
// plan.PauseAtCheckpoint (or completion), applying the circuit-breaker
// interlock before any terminal transition.
func (w *RepoWorker) Run(ctx context.Context, plan *IssuePlan) (*RunResult, error) {
	ws := &WorkerState{Task: plan.Task}
	ws.Set("plan", plan)
	return w.drive(ctx, plan, ws, StageFinalize)
}

// Resume continues a previously paused/interrupted task from its last
// recorded checkpoint; the preflight/worktree/setup stages are cheap to
// replay (they are idempotent against an existing worktree) and the
// build stage uses ContinueSession instead of RunAgent once reached.
func (w *RepoWorker) Resume(ctx context.Context, plan *IssuePlan) (*RunResult, error) {
	ws := &WorkerState{Task: plan.Task}
	ws.Set("plan", plan)
	ws.Set("resuming", true)
	return w.drive(ctx, plan, ws, StageFinalize)
}

func (w *RepoWorker) drive(ctx context.Context, plan *IssuePlan, ws *WorkerState, through StageName) (*RunResult, error) {
	w.beginTask(ctx, plan, ws)

	result, execErr := w.pipeline.Execute(ctx, ws, through)

	var rr *RunResult
	var err error
	switch {
	case execErr != nil:
		w.publishStageFailed(plan, result, execErr)
		rr, err = w.terminalWithBreaker(ctx, plan, ws, execErr)
	case result.Skipped:
		rr = w.skipOutcome(ws)
	default:
		rr = &RunResult{Outcome: OutcomeDone, State: ws}
	}

	w.persistOutcome(ctx, plan, rr)
	return rr, err
}

// skipOutcome turns the pipeline's SkipIf short-circuit into the
// RunResult the particular reason a stage set implies; a skip with none
// of these reasons set (shouldn't happen given the stages registered)
// falls back to done, matching the pre-reason behavior.
func (w *RepoWorker) skipOutcome(ws *WorkerState) *RunResult {
	if reason, _ := ws.Get("pauseReason").(string); reason != "" {
		cp := ralphtypes.Checkpoint("")
		if plan, ok := ws.Get("plan").(*IssuePlan); ok && plan.PauseAtCheckpoint != nil {
			cp = *plan.PauseAtCheckpoint
		}
		return &RunResult{Outcome: OutcomePausedAt, Reason: reason, Checkpoint: cp, State: ws}
	}
	if reason, _ := ws.Get("waitReason").(string); reason != "" {
		return &RunResult{Outcome: OutcomeWaitingOnPR, Reason: reason, State: ws}
	}
	if reason, _ := ws.Get("throttleReason").(string); reason != "" {
		var resumeAt *time.Time
		if t, ok := ws.Get("resumeAt").(time.Time); ok {
			resumeAt = &t
		}
		return &RunResult{Outcome: OutcomeThrottled, Reason: reason, ResumeAt: resumeAt, State: ws}
	}
	return &RunResult{Outcome: OutcomeDone, State: ws}
}

// publishStageFailed emits a StageFailed event for the failing stage
// (best effort: a bus publish failure never changes the worker's own
// outcome, the same posture emitCheckpoint and postEscalation take).
// The event's subscriber, not the worker, owns retry/DLQ policy for it.
func (w *RepoWorker) publishStageFailed(plan *IssuePlan, result *ExecutionResult, cause error) {
	if w.deps.Bus == nil {
		return
	}
	var stage StageName
	if result != nil {
		if failed := result.GetFailedStages(); len(failed) > 0 {
			stage = failed[0]
		}
	}
	if err := w.deps.Bus.Publish(StageFailed{TaskPath: plan.Task.Path, Stage: stage, Err: cause}); err != nil {
		w.log.Warn("stage-failed publish rejected", logfields.TaskPath(plan.Task.Path), logfields.Error(err))
	}
}

// terminalWithBreaker implements Component G's interlock: every stage
// failure is recorded against the issue's circuit breaker before the
// worker decides whether to requeue or escalate.
func (w *RepoWorker) terminalWithBreaker(ctx context.Context, plan *IssuePlan, ws *WorkerState, cause error) (*RunResult, error) {
	reason := normalizeFailureReason(cause)
	nowMs := w.deps.Now().UnixMilli()
	decision := w.deps.Breaker.RecordFailure(plan.Repo, plan.IssueNumber, reason, nowMs)

	switch decision.Kind {
	case circuitbreaker.DecisionOpen:
		w.log.Warn("circuit breaker opened", logfields.Repo(plan.Repo), logfields.Reason(reason))
		w.postEscalation(ctx, plan, ws, reason)
		return &RunResult{Outcome: OutcomeEscalated, Reason: "circuit-breaker-opened", State: ws}, cause
	case circuitbreaker.DecisionBackoff:
		resumeAt := w.deps.Now().Add(time.Duration(decision.DelayMs) * time.Millisecond)
		return &RunResult{
			Outcome:  OutcomeThrottled,
			Reason:   fmt.Sprintf("circuit-breaker-backoff-%dms", decision.DelayMs),
			ResumeAt: &resumeAt,
			State:    ws,
		}, cause
	default:
		return &RunResult{Outcome: OutcomeBlocked, Reason: reason, State: ws}, cause
	}
}

// beginTask drives the §4.D queued -> starting -> in-progress transitions
// before any stage runs. The task must already be in StatusQueued by the
// time Run/Resume is called; the dispatcher is responsible for moving a
// throttled/blocked/escalated/waiting-on-pr task back to queued first.
func (w *RepoWorker) beginTask(ctx context.Context, plan *IssuePlan, ws *WorkerState) {
	if w.deps.Queue == nil {
		return
	}
	now := w.deps.Now()
	workerID := w.workerIdentity(ws)
	w.transition(ctx, plan.Task.Path, ralphtypes.StatusStarting, taskqueue.Patch{
		AssignedAt: &now,
		WorkerID:   &workerID,
	})
	w.transition(ctx, plan.Task.Path, ralphtypes.StatusInProgress, taskqueue.Patch{})
}

// persistOutcome writes the terminal §4.D status matching rr.Outcome,
// applying the done-transition exit-fields policy and threading a
// throttled outcome's resume-at through to the stored task.
func (w *RepoWorker) persistOutcome(ctx context.Context, plan *IssuePlan, rr *RunResult) {
	if w.deps.Queue == nil || rr == nil {
		return
	}
	now := w.deps.Now()

	switch rr.Outcome {
	case OutcomeDone:
		patch := taskqueue.ExitFieldsPatch()
		patch.CompletedAt = &now
		w.transition(ctx, plan.Task.Path, ralphtypes.StatusDone, patch)
	case OutcomeThrottled:
		patch := taskqueue.Patch{ThrottledAt: &now}
		if rr.ResumeAt != nil {
			patch.ResumeAt = rr.ResumeAt
		}
		w.transition(ctx, plan.Task.Path, ralphtypes.StatusThrottled, patch)
	case OutcomeBlocked:
		source, detail := "circuit-breaker", rr.Reason
		w.transition(ctx, plan.Task.Path, ralphtypes.StatusBlocked, taskqueue.Patch{
			BlockedSource: &source,
			BlockedAt:     &now,
			BlockedDetail: &detail,
		})
	case OutcomeEscalated:
		w.transition(ctx, plan.Task.Path, ralphtypes.StatusEscalated, taskqueue.Patch{})
	case OutcomeWaitingOnPR:
		w.transition(ctx, plan.Task.Path, ralphtypes.StatusWaitingOnPR, taskqueue.Patch{})
	case OutcomePausedAt:
		// §4.C pause semantics: an operator pause-at-checkpoint parks the
		// task the same place a rate-limit pause would, just without a
		// resume-at, since nothing but another operator action resumes it.
		w.transition(ctx, plan.Task.Path, ralphtypes.StatusThrottled, taskqueue.Patch{ThrottledAt: &now})
	}
}

// transition applies one status move through the queue adapter,
// swallowing a false/error result into a log line: a worker's own
// terminal Outcome is never reverted by a failed bookkeeping write, the
// same "best effort, log only" posture postEscalation uses.
func (w *RepoWorker) transition(ctx context.Context, path string, status ralphtypes.TaskStatus, patch taskqueue.Patch) {
	ok, err := w.deps.Queue.UpdateTaskStatus(ctx, path, status, patch)
	if err != nil {
		w.log.Warn("task status transition failed", logfields.TaskPath(path), logfields.Error(err))
		return
	}
	if !ok {
		w.log.Warn("task status transition rejected", logfields.TaskPath(path), logfields.Status(string(status)))
	}
}

func normalizeFailureReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// applyRecovery maps a recovery.Decision to a worker-level Outcome after a
// watchdog/stall/loop trip. buildStage stores the result in WorkerState;
// drive does not read it, so the task's final status comes from
// terminalWithBreaker.
func applyRecovery(d recovery.Decision) (Outcome, string) {
	switch d.Action {
	case recovery.ActionRequeueSameSession, recovery.ActionRequeueFreshSession:
		return OutcomeBlocked, d.Reason
	default:
		return OutcomeEscalated, d.Reason
	}
}
