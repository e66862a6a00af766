package pipeline

import (
	"context"
	"log/slog"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// StageName is a strongly-typed identifier for one step of a RepoWorker's
// drive loop (§4.E).
type StageName string

const (
	StagePreflight    StageName = "preflight"
	StageWorktree     StageName = "worktree"
	StageSetup        StageName = "setup"
	StagePlan         StageName = "plan"
	StageRoute        StageName = "route"
	StageBuild        StageName = "build"
	StagePRAcquire    StageName = "pr_acquire"
	StagePRReadiness  StageName = "pr_readiness"
	StageMergeGate    StageName = "merge_gate"
	StageSurvey       StageName = "survey"
	StageFinalize     StageName = "finalize"
)

// WorkerState is the mutable state threaded through one RepoWorker drive
// pass, carrying a task and its in-flight routing/PR bookkeeping the way
// hugo.BuildState carries a site build.
type WorkerState struct {
	Task *ralphtypes.Task

	WorktreeDir     string
	RoutingDecision string
	PRNumber        int
	PRUrl           string
	MergeableState  string
	CheckSignature  string

	// Checkpoint is set by a stage that reaches one of the ralphtypes
	// checkpoint milestones; the CheckpointMiddleware persists it and
	// clears it before the next stage runs.
	Checkpoint *ralphtypes.Checkpoint

	// Vars carries small ad-hoc values between stages (plan prompt text,
	// survey notes, escalation reasons) without growing WorkerState's
	// field list for every stage-local concern.
	Vars map[string]any
}

// Set records a value under key, initializing Vars on first use.
func (s *WorkerState) Set(key string, v any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[key] = v
}

// Get returns the value stored under key, or nil if unset.
func (s *WorkerState) Get(key string) any {
	if s.Vars == nil {
		return nil
	}
	return s.Vars[key]
}

// StageExecution is the structured result of one stage's Execute call.
type StageExecution struct {
	Err  error
	Skip bool
}

// ExecutionSuccess reports a clean stage completion.
func ExecutionSuccess() StageExecution { return StageExecution{} }

// ExecutionSuccessWithSkip reports that the stage's own precondition said
// there was nothing to do.
func ExecutionSuccessWithSkip() StageExecution { return StageExecution{Skip: true} }

// ExecutionFailure wraps a stage error.
func ExecutionFailure(err error) StageExecution { return StageExecution{Err: err} }

func (r StageExecution) IsSuccess() bool { return r.Err == nil }
func (r StageExecution) ShouldSkip() bool { return r.Skip }

// StageCommand is one named, dependency-aware step of the RepoWorker
// pipeline, the same shape as hugo/commands.StageCommand, generalized
// from a site build to a per-issue agent run.
type StageCommand interface {
	Name() StageName
	Execute(ctx context.Context, ws *WorkerState) StageExecution
	Description() string
	Dependencies() []StageName
}

// CommandMetadata is the declarative half of a StageCommand: everything
// but the Execute body.
type CommandMetadata struct {
	Name         StageName
	Description  string
	Dependencies []StageName
	SkipIf       func(*WorkerState) bool
}

// BaseCommand supplies the metadata accessors and logging helpers every
// concrete stage command embeds.
type BaseCommand struct {
	metadata CommandMetadata
}

func NewBaseCommand(metadata CommandMetadata) BaseCommand {
	return BaseCommand{metadata: metadata}
}

func (c BaseCommand) Name() StageName           { return c.metadata.Name }
func (c BaseCommand) Description() string       { return c.metadata.Description }
func (c BaseCommand) Dependencies() []StageName { return c.metadata.Dependencies }

func (c BaseCommand) ShouldSkip(ws *WorkerState) bool {
	if c.metadata.SkipIf != nil {
		return c.metadata.SkipIf(ws)
	}
	return false
}

func (c BaseCommand) LogStageStart() {
	slog.Debug("stage starting", slog.String("stage", string(c.Name())))
}

func (c BaseCommand) LogStageSuccess() {
	slog.Debug("stage completed", slog.String("stage", string(c.Name())))
}

func (c BaseCommand) LogStageSkipped() {
	slog.Debug("stage skipped", slog.String("stage", string(c.Name())))
}

func (c BaseCommand) LogStageFailure(err error) {
	slog.Warn("stage failed", slog.String("stage", string(c.Name())), slog.Any("error", err))
}

// CommandRegistry manages the registered stage commands a Pipeline
// executes against.
type CommandRegistry struct {
	commands map[StageName]StageCommand
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[StageName]StageCommand)}
}

func (r *CommandRegistry) Register(cmd StageCommand) {
	r.commands[cmd.Name()] = cmd
}

func (r *CommandRegistry) Get(name StageName) (StageCommand, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

func (r *CommandRegistry) List() []StageName {
	names := make([]StageName, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	return names
}

func (r *CommandRegistry) GetAll() map[StageName]StageCommand {
	result := make(map[StageName]StageCommand, len(r.commands))
	for name, cmd := range r.commands {
		result[name] = cmd
	}
	return result
}

func (r *CommandRegistry) ValidateDependencies() error {
	for _, cmd := range r.commands {
		for _, dep := range cmd.Dependencies() {
			if _, ok := r.commands[dep]; !ok {
				return &DependencyError{Command: cmd.Name(), Dependency: dep}
			}
		}
	}
	return nil
}

type DependencyError struct {
	Command    StageName
	Dependency StageName
}

func (e *DependencyError) Error() string {
	return "stage " + string(e.Command) + " depends on missing stage " + string(e.Dependency)
}

type ExecutionError struct {
	Command StageName
	Cause   error
}

func (e *ExecutionError) Error() string {
	return "stage " + string(e.Command) + " failed: " + e.Cause.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// DefaultRegistry is the package-level registry DefaultPipeline builds
// against; a RepoWorker normally builds its own registry instead, scoped
// to one worker's dependencies.
var DefaultRegistry = NewCommandRegistry()
