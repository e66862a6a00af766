package pipeline

import "github.com/ralph-fleet/ralphd/internal/ralphtypes"

// IssuePlan is an immutable set of resolved inputs for one RepoWorker
// drive pass, built once per dispatch from the task and operator config
// so every stage command reads the same normalized values.
type IssuePlan struct {
	Task *ralphtypes.Task

	Repo          string
	IssueNumber   int
	BaseBranch    string
	BotBranch     string
	DefaultBranch string
	WorktreeRoot  string
	RunLogDir     string

	MainMergeAllowedLabel string

	AllowedTools []string

	WatchdogThresholdsMs []int64
	StallIdleMs          int64
	MaxWatchdogRetries   int
	MaxStallRestarts     int

	PauseAtCheckpoint *ralphtypes.Checkpoint
}

// IssuePlanBuilder constructs an IssuePlan from a task plus operator
// defaults, the same builder shape hugo's BuildPlanBuilder uses.
type IssuePlanBuilder struct {
	plan IssuePlan
}

// NewIssuePlanBuilder creates a builder seeded with task.
func NewIssuePlanBuilder(task *ralphtypes.Task) *IssuePlanBuilder {
	return &IssuePlanBuilder{plan: IssuePlan{Task: task, Repo: task.Repo}}
}

// WithBranches sets the PR base branch and the bot's working branch.
func (b *IssuePlanBuilder) WithBranches(baseBranch, botBranch string) *IssuePlanBuilder {
	b.plan.BaseBranch = baseBranch
	b.plan.BotBranch = botBranch
	return b
}

// WithMergePolicy sets the default branch and the label that overrides
// the default-branch merge guard (§4.I step 3).
func (b *IssuePlanBuilder) WithMergePolicy(defaultBranch, overrideLabel string) *IssuePlanBuilder {
	b.plan.DefaultBranch = defaultBranch
	b.plan.MainMergeAllowedLabel = overrideLabel
	return b
}

// WithWorktreeRoot sets the directory worktrees are created under.
func (b *IssuePlanBuilder) WithWorktreeRoot(root string) *IssuePlanBuilder {
	b.plan.WorktreeRoot = root
	return b
}

// WithRunLogDir sets the directory session transcripts are written to.
func (b *IssuePlanBuilder) WithRunLogDir(dir string) *IssuePlanBuilder {
	b.plan.RunLogDir = dir
	return b
}

// WithAllowedTools sets the operator's tool allow-list for this worker.
func (b *IssuePlanBuilder) WithAllowedTools(tools []string) *IssuePlanBuilder {
	b.plan.AllowedTools = tools
	return b
}

// WithRecoveryThresholds sets the watchdog/stall thresholds the session
// runner enforces and the retry/restart caps recovery decisions use.
func (b *IssuePlanBuilder) WithRecoveryThresholds(watchdogMs []int64, stallIdleMs int64, maxWatchdogRetries, maxStallRestarts int) *IssuePlanBuilder {
	b.plan.WatchdogThresholdsMs = watchdogMs
	b.plan.StallIdleMs = stallIdleMs
	b.plan.MaxWatchdogRetries = maxWatchdogRetries
	b.plan.MaxStallRestarts = maxStallRestarts
	return b
}

// WithPauseAt sets the checkpoint the control plane asked this run to
// pause at, if any.
func (b *IssuePlanBuilder) WithPauseAt(cp *ralphtypes.Checkpoint) *IssuePlanBuilder {
	b.plan.PauseAtCheckpoint = cp
	return b
}

// ResolveIssueNumber extracts the numeric issue from the task's
// "owner/name#N" issue ref; leaves IssueNumber at 0 if the ref can't be
// parsed (the caller treats that as a planning failure).
func (b *IssuePlanBuilder) ResolveIssueNumber() *IssuePlanBuilder {
	ref := b.plan.Task.IssueRef
	i := len(ref) - 1
	for i >= 0 && ref[i] >= '0' && ref[i] <= '9' {
		i--
	}
	if i == len(ref)-1 || i < 0 || ref[i] != '#' {
		return b
	}
	n := 0
	for _, c := range ref[i+1:] {
		n = n*10 + int(c-'0')
	}
	b.plan.IssueNumber = n
	return b
}

// Build returns the constructed IssuePlan.
func (b *IssuePlanBuilder) Build() *IssuePlan {
	return &b.plan
}
