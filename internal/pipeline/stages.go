package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/inful/mdfp"

	"github.com/ralph-fleet/ralphd/internal/lease"
	"github.com/ralph-fleet/ralphd/internal/mergegate"
	"github.com/ralph-fleet/ralphd/internal/pipeline/recovery"
	"github.com/ralph-fleet/ralphd/internal/prresolver"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
)

// CommandRunner executes the operator-defined setup and survey scripts
// inside a task's worktree. A concrete binding shells out the way
// git.Client wraps external commands; here it stays an interface so
// stage commands remain unit-testable without a shell.
type CommandRunner interface {
	RunSetup(ctx context.Context, dir string) error
	RunSurvey(ctx context.Context, dir string) (notes string, err error)
}

func (w *RepoWorker) planOf(ws *WorkerState) *IssuePlan {
	plan, _ := ws.Get("plan").(*IssuePlan)
	return plan
}

// preflightStage confirms the upstream issue is still actionable before
// any worktree or session cost is paid.
func (w *RepoWorker) preflightStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:        StagePreflight,
			Description: "confirm the upstream issue is still open",
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			issue, err := w.deps.Host.GetIssue(ctx, plan.Repo, plan.IssueNumber)
			if err != nil {
				return ExecutionFailure(fmt.Errorf("preflight: %w", err))
			}
			if issue.State != "" && issue.State != "open" {
				ws.Set("waitReason", "issue no longer open")
				return ExecutionSuccessWithSkip()
			}
			return ExecutionSuccess()
		},
	}
}

// worktreeStage ensures the task has an isolated checkout, reusing one
// already present on resume.
func (w *RepoWorker) worktreeStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageWorktree,
			Description:  "acquire an isolated worktree for the task",
			Dependencies: []StageName{StagePreflight},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			path := filepath.Join(plan.WorktreeRoot, plan.Repo, plan.Task.RepoSlot, strconv.Itoa(plan.IssueNumber))
			dir, err := w.deps.Worktrees.Ensure(ctx, plan.Repo, path, plan.BaseBranch)
			if err != nil {
				return ExecutionFailure(fmt.Errorf("worktree: %w", err))
			}
			ws.WorktreeDir = dir
			return ExecutionSuccess()
		},
	}
}

// setupStage runs the operator's bootstrap script (dependency install,
// env prep) on every drive pass, a Resume included; with no CommandRunner
// configured it does nothing and lets the pipeline continue.
func (w *RepoWorker) setupStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageSetup,
			Description:  "run the repository's setup script",
			Dependencies: []StageName{StageWorktree},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			if w.deps.Commands == nil {
				return ExecutionSuccess()
			}
			if err := w.deps.Commands.RunSetup(ctx, ws.WorktreeDir); err != nil {
				return ExecutionFailure(fmt.Errorf("setup: %w", err))
			}
			return ExecutionSuccess()
		},
	}
}

// planStage asks the agent for an implementation plan and records the
// `planned` checkpoint.
func (w *RepoWorker) planStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StagePlan,
			Description:  "ask the agent to plan the implementation",
			Dependencies: []StageName{StageSetup},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			res, err := w.deps.Sessions.RunAgent(ctx, ws.WorktreeDir, "plan", planPrompt(plan), sessionOptions(plan, "plan"))
			if err != nil {
				return ExecutionFailure(fmt.Errorf("plan: %w", err))
			}
			if !res.Success {
				return ExecutionFailure(fmt.Errorf("plan session did not succeed"))
			}
			ws.Set("sessionID", res.SessionID)
			ws.Set("planOutput", res.Output)
			cp := ralphtypes.CheckpointPlanned
			ws.Checkpoint = &cp
			return ExecutionSuccess()
		},
	}
}

// routeStage interprets the plan output's routing decision (a fresh
// implementation, a continuation, or escalation back to a human).
func (w *RepoWorker) routeStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageRoute,
			Description:  "decide how to route the planned work",
			Dependencies: []StageName{StagePlan},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			output, _ := ws.Get("planOutput").(string)
			ws.RoutingDecision = routingDecision(output)
			ws.Set("planFingerprint", planFingerprint(output))
			cp := ralphtypes.CheckpointRouted
			ws.Checkpoint = &cp
			return ExecutionSuccess()
		},
	}
}

// buildStage drives the agent through the implementation step. On a
// watchdog/stall/loop trip it computes the Component F recovery decision,
// records the mapped outcome in ws under "recoveryOutcome" and fails the
// stage; drive settles that failure through the circuit breaker like any
// other and does not read the recorded outcome.
func (w *RepoWorker) buildStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageBuild,
			Description:  "drive the agent through the implementation step",
			Dependencies: []StageName{StageRoute},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			sessionID, _ := ws.Get("sessionID").(string)
			resuming, _ := ws.Get("resuming").(bool)

			var res *sessionrunner.Result
			var err error
			if resuming && sessionID != "" {
				res, err = w.deps.Sessions.ContinueSession(ctx, ws.WorktreeDir, sessionID, "continue", sessionOptions(plan, "build"))
			} else {
				res, err = w.deps.Sessions.RunAgent(ctx, ws.WorktreeDir, "build", ws.RoutingDecision, sessionOptions(plan, "build"))
			}
			if err != nil {
				return ExecutionFailure(fmt.Errorf("build: %w", err))
			}

			if d, tripped := buildRecoveryDecision(res, ws, plan, sessionID); tripped {
				outcome, reason := applyRecovery(d)
				ws.Set("recoveryOutcome", outcome)
				return ExecutionFailure(fmt.Errorf("build: %s", reason))
			}
			if !res.Success {
				return ExecutionFailure(fmt.Errorf("build session did not succeed"))
			}

			ws.Set("sessionID", res.SessionID)
			if res.PRUrl != "" {
				ws.PRUrl = res.PRUrl
			}
			cp := ralphtypes.CheckpointImplementationStepComplete
			ws.Checkpoint = &cp
			return ExecutionSuccess()
		},
	}
}

// buildRecoveryDecision turns one session Result's trip flags into a
// Component F decision, consulting the task's existing retry counters
// for the watchdog/stall thresholds.
func buildRecoveryDecision(res *sessionrunner.Result, ws *WorkerState, plan *IssuePlan, sessionID string) (recovery.Decision, bool) {
	switch {
	case res.WatchdogTimeout:
		return recovery.Watchdog(recovery.WatchdogOutcome{}, ws.Task.WatchdogRetries), true
	case res.StallTimeout:
		return recovery.Stall(recovery.StallState{StallRetries: ws.Task.StallRetries, SessionID: sessionID}, plan.MaxStallRestarts), true
	case res.LoopTrip:
		return recovery.LoopDetection(recovery.LoopTrip{Reason: "gate-command-loop"}, nil), true
	default:
		return recovery.Decision{}, false
	}
}

// prAcquireStage claims the pr-create lease so only one worker resolves
// or creates the PR for this issue, then resolves the canonical PR.
func (w *RepoWorker) prAcquireStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StagePRAcquire,
			Description:  "claim the pr-create lease and resolve the PR",
			Dependencies: []StageName{StageBuild},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			claim, err := w.deps.Leases.TryClaim(plan.Repo, plan.IssueNumber, plan.BaseBranch, w.workerIdentity(ws), w.deps.Now())
			if err != nil {
				return ExecutionFailure(fmt.Errorf("pr acquire: %w", err))
			}
			if !claim.Claimed {
				ws.Set("waitReason", "pr-create lease held by another worker")
				return ExecutionSuccessWithSkip()
			}
			defer func() { _ = w.deps.Leases.Release(plan.Repo, plan.IssueNumber, plan.BaseBranch) }()

			var candidates []prresolver.DBCandidate
			if ws.PRUrl != "" {
				candidates = append(candidates, prresolver.DBCandidate{URL: ws.PRUrl})
			}
			resolution, err := w.deps.Resolver.Resolve(ctx, plan.Repo, plan.IssueNumber, candidates, prresolver.Options{Fresh: true})
			if err != nil {
				ws.Set("waitReason", "no open pull request found yet")
				return ExecutionSuccessWithSkip()
			}
			ws.PRNumber = resolution.Selected.Number
			ws.PRUrl = resolution.Selected.URL
			ws.MergeableState = resolution.Selected.MergeableState
			return ExecutionSuccess()
		},
	}
}

// prReadinessStage waits out required checks and resolves the
// `pr_ready` checkpoint once they all pass.
func (w *RepoWorker) prReadinessStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StagePRReadiness,
			Description:  "wait for required checks before merge",
			Dependencies: []StageName{StagePRAcquire},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			required, err := w.deps.MergeGate.ResolveRequiredChecks(ctx, plan.Repo)
			if err != nil {
				return ExecutionFailure(fmt.Errorf("pr readiness: %w", err))
			}
			ensured, err := w.deps.MergeGate.EnsureBranchProtection(ctx, plan.Repo, required)
			if err != nil {
				return ExecutionFailure(fmt.Errorf("pr readiness: %w", err))
			}
			if ensured.Deferred {
				ws.Set("waitReason", "required checks missing on bot branch")
				return ExecutionSuccessWithSkip()
			}
			outcome, runs, err := w.deps.MergeGate.WaitForRequiredChecks(ctx, plan.Repo, ws.PRNumber, required, w.deps.Now, sleepFor(ctx))
			if err != nil {
				return ExecutionFailure(fmt.Errorf("pr readiness: %w", err))
			}
			switch outcome {
			case mergegate.ChecksAllSuccess:
				cp := ralphtypes.CheckpointPRReady
				ws.Checkpoint = &cp
				return ExecutionSuccess()
			case mergegate.ChecksDirty:
				ws.Set("waitReason", "pull request has merge conflicts")
				return ExecutionSuccessWithSkip()
			case mergegate.ChecksTimedOut:
				ws.Set("waitReason", "timed out waiting for required checks")
				return ExecutionSuccessWithSkip()
			default:
				ws.CheckSignature = mergegate.CheckSignature(runs)
				ws.Set("waitReason", "required checks failed")
				return ExecutionSuccessWithSkip()
			}
		},
	}
}

// mergeGateStage performs the merge itself once the PR is ready.
func (w *RepoWorker) mergeGateStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageMergeGate,
			Description:  "merge the pull request",
			Dependencies: []StageName{StagePRReadiness},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			plan := w.planOf(ws)
			labels, err := w.deps.Host.ListIssueLabels(ctx, plan.Repo, ws.PRNumber)
			if err != nil {
				return ExecutionFailure(fmt.Errorf("merge gate: %w", err))
			}
			if !mergegate.MayMergeIntoBase(plan.BaseBranch, plan.BotBranch, plan.DefaultBranch, labels, plan.MainMergeAllowedLabel) {
				ws.Set("waitReason", "merge into default branch requires override label")
				return ExecutionSuccessWithSkip()
			}
			if err := w.deps.MergeGate.AttemptMerge(ctx, plan.Repo, ws.PRNumber, ws.MergeableState, "squash"); err != nil {
				return ExecutionFailure(fmt.Errorf("merge gate: %w", err))
			}
			cp := ralphtypes.CheckpointMergeStepComplete
			ws.Checkpoint = &cp
			return ExecutionSuccess()
		},
	}
}

// surveyStage runs the operator's post-merge survey script for
// documentation/metrics feedback.
func (w *RepoWorker) surveyStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageSurvey,
			Description:  "run the post-merge survey",
			Dependencies: []StageName{StageMergeGate},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			if w.deps.Commands == nil {
				cp := ralphtypes.CheckpointSurveyComplete
				ws.Checkpoint = &cp
				return ExecutionSuccess()
			}
			notes, err := w.deps.Commands.RunSurvey(ctx, ws.WorktreeDir)
			if err != nil {
				return ExecutionFailure(fmt.Errorf("survey: %w", err))
			}
			ws.Set("surveyNotes", notes)
			cp := ralphtypes.CheckpointSurveyComplete
			ws.Checkpoint = &cp
			return ExecutionSuccess()
		},
	}
}

// finalizeStage releases the worktree and records the `recorded`
// checkpoint that closes the task out.
func (w *RepoWorker) finalizeStage() StageCommand {
	return &repoWorkerStage{
		BaseCommand: NewBaseCommand(CommandMetadata{
			Name:         StageFinalize,
			Description:  "release the worktree and close out the task",
			Dependencies: []StageName{StageSurvey},
			SkipIf:       pausedSkip,
		}),
		run: func(ctx context.Context, ws *WorkerState) StageExecution {
			if ws.WorktreeDir != "" && w.deps.Worktrees != nil {
				if err := w.deps.Worktrees.Remove(ctx, ws.WorktreeDir); err != nil {
					return ExecutionFailure(fmt.Errorf("finalize: %w", err))
				}
			}
			cp := ralphtypes.CheckpointRecorded
			ws.Checkpoint = &cp
			return ExecutionSuccess()
		},
	}
}

// repoWorkerStage adapts a closure into a StageCommand, the same shape
// the concrete *Command implementations in hugo/commands take.
type repoWorkerStage struct {
	BaseCommand
	run func(ctx context.Context, ws *WorkerState) StageExecution
}

func (s *repoWorkerStage) Execute(ctx context.Context, ws *WorkerState) StageExecution {
	return s.run(ctx, ws)
}

// workerIdentity prefers the task's own worker id (stable across a
// resume) and only mints a fresh one when the task hasn't been assigned
// one yet.
func (w *RepoWorker) workerIdentity(ws *WorkerState) string {
	if ws.Task != nil && ws.Task.WorkerID != "" {
		return ws.Task.WorkerID
	}
	return lease.NewWorkerIdentity()
}

func planPrompt(plan *IssuePlan) string {
	return fmt.Sprintf("Plan the implementation for %s#%d against base branch %s.", plan.Repo, plan.IssueNumber, plan.BaseBranch)
}

// planFingerprint hashes the plan agent's raw output the way
// frontmatterops.ComputeFingerprint hashes a document body, so a
// Resume can tell whether a re-run plan stage produced byte-identical
// output without re-parsing the routing decision.
func planFingerprint(planOutput string) string {
	return mdfp.CalculateFingerprintFromParts("", planOutput)
}

func routingDecision(planOutput string) string {
	if planOutput == "" {
		return "implement"
	}
	return planOutput
}

func sessionOptions(plan *IssuePlan, step string) sessionrunner.Options {
	return sessionrunner.Options{
		Repo:      plan.Repo,
		TimeoutMs: 30 * 60 * 1000,
		Introspection: sessionrunner.Introspection{
			Repo:  plan.Repo,
			Issue: plan.IssueNumber,
			Step:  step,
		},
		Watchdog: sessionrunner.WatchdogOptions{
			Enabled:      true,
			ThresholdsMs: plan.WatchdogThresholdsMs,
		},
		Stall: sessionrunner.StallOptions{
			Enabled: true,
			IdleMs:  plan.StallIdleMs,
		},
	}
}

func sleepFor(ctx context.Context) func(time.Duration) {
	return func(d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}
