package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ralph-fleet/ralphd/internal/circuitbreaker"
	"github.com/ralph-fleet/ralphd/internal/hostclient"
	"github.com/ralph-fleet/ralphd/internal/lease"
	"github.com/ralph-fleet/ralphd/internal/mergegate"
	"github.com/ralph-fleet/ralphd/internal/prresolver"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
	"github.com/ralph-fleet/ralphd/internal/taskqueue"
	"github.com/stretchr/testify/require"
)

// fakeHost implements hostclient.HostClient with only the methods this
// package's tests exercise; every other method panics if called.
type fakeHost struct {
	issue           *hostclient.Issue
	labels          []string
	branchProtect   map[string]*hostclient.BranchProtection
	pr              *hostclient.PullRequest
	checks          []hostclient.CheckRun
	mergeErr        error
	updateBranched  bool
	commentsCreated []string
}

func (f *fakeHost) GetIssue(ctx context.Context, repo string, number int) (*hostclient.Issue, error) {
	return f.issue, nil
}
func (f *fakeHost) SearchIssueComments(ctx context.Context, repo string, number int, marker string) ([]hostclient.Comment, error) {
	panic("not used")
}
func (f *fakeHost) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*hostclient.Comment, error) {
	f.commentsCreated = append(f.commentsCreated, body)
	return &hostclient.Comment{ID: int64(len(f.commentsCreated))}, nil
}
func (f *fakeHost) PatchIssueComment(ctx context.Context, repo string, commentID int64, body string) error {
	panic("not used")
}
func (f *fakeHost) ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	return f.labels, nil
}
func (f *fakeHost) AddIssueLabel(ctx context.Context, repo string, number int, label string) error {
	panic("not used")
}
func (f *fakeHost) RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error {
	panic("not used")
}
func (f *fakeHost) GetBranchProtection(ctx context.Context, repo, branch string) (*hostclient.BranchProtection, error) {
	if prot, ok := f.branchProtect[branch]; ok {
		return prot, nil
	}
	return &hostclient.BranchProtection{}, nil
}
func (f *fakeHost) PutBranchProtection(ctx context.Context, repo, branch string, protection hostclient.BranchProtection) error {
	return nil
}
func (f *fakeHost) GetCheckRuns(ctx context.Context, repo, ref string) ([]hostclient.CheckRun, error) {
	panic("not used")
}
func (f *fakeHost) GetCommitStatus(ctx context.Context, repo, ref string) ([]hostclient.CommitStatus, error) {
	panic("not used")
}
func (f *fakeHost) CreateRef(ctx context.Context, repo, ref, sha string) error { panic("not used") }
func (f *fakeHost) GetRef(ctx context.Context, repo, ref string) (string, error) {
	panic("not used")
}
func (f *fakeHost) SearchPullRequests(ctx context.Context, repo, query string) ([]hostclient.PullRequest, error) {
	if f.pr == nil {
		return nil, nil
	}
	return []hostclient.PullRequest{*f.pr}, nil
}
func (f *fakeHost) GetPullRequestChecks(ctx context.Context, repo string, number int) ([]hostclient.CheckRun, error) {
	return f.checks, nil
}
func (f *fakeHost) GetPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error) {
	panic("not used")
}
func (f *fakeHost) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	f.updateBranched = true
	return nil
}
func (f *fakeHost) MergePullRequest(ctx context.Context, repo string, number int, method string) error {
	return f.mergeErr
}
func (f *fakeHost) ViewPullRequest(ctx context.Context, repo string, number int) (*hostclient.PullRequest, error) {
	return f.pr, nil
}

var _ hostclient.HostClient = (*fakeHost)(nil)

// fakeSessions implements sessionrunner.SessionRunner, returning a fixed
// result (or tripping a recovery signal) for every call.
type fakeSessions struct {
	result *sessionrunner.Result
	err    error
}

func (f *fakeSessions) RunAgent(ctx context.Context, repoPath, agent, prompt string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return f.result, f.err
}
func (f *fakeSessions) ContinueSession(ctx context.Context, repoPath, sessionID, msg string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return f.result, f.err
}
func (f *fakeSessions) ContinueCommand(ctx context.Context, repoPath, sessionID, command string, args []string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return f.result, f.err
}

var _ sessionrunner.SessionRunner = (*fakeSessions)(nil)

// fakeWorktree hands back a fixed directory and does nothing on teardown.
type fakeWorktree struct{ dir string }

func (f *fakeWorktree) Ensure(ctx context.Context, repo, path, baseBranch string) (string, error) {
	return f.dir, nil
}
func (f *fakeWorktree) Remove(ctx context.Context, dir string) error { return nil }
func (f *fakeWorktree) HasUncommittedChanges(dir string) (bool, error) {
	return false, nil
}

var _ Worktree = (*fakeWorktree)(nil)

// fakeCheckpoints records every checkpoint write for assertion.
type fakeCheckpoints struct{ recorded []string }

func (f *fakeCheckpoints) RecordCheckpoint(taskPath string, cp string) error {
	f.recorded = append(f.recorded, cp)
	return nil
}

// fakeQueue records every status transition a worker drives, in order,
// without enforcing the transition table itself (sqlite_store_test.go
// already covers that).
type fakeQueue struct {
	transitions []ralphtypes.TaskStatus
	patches     []taskqueue.Patch
}

func (f *fakeQueue) GetQueuedTasks(ctx context.Context) ([]*ralphtypes.Task, error) { panic("not used") }
func (f *fakeQueue) GetTasksByStatus(ctx context.Context, status ralphtypes.TaskStatus) ([]*ralphtypes.Task, error) {
	panic("not used")
}
func (f *fakeQueue) GetTaskByPath(ctx context.Context, path string) (*ralphtypes.Task, error) {
	panic("not used")
}
func (f *fakeQueue) UpdateTaskStatus(ctx context.Context, path string, newStatus ralphtypes.TaskStatus, patch taskqueue.Patch) (bool, error) {
	f.transitions = append(f.transitions, newStatus)
	f.patches = append(f.patches, patch)
	return true, nil
}
func (f *fakeQueue) Enqueue(ctx context.Context, task *ralphtypes.Task) error { panic("not used") }

var _ taskqueue.QueueAdapter = (*fakeQueue)(nil)

func newTestPlan() *IssuePlan {
	task := &ralphtypes.Task{Path: "acme/widgets#42/0", Repo: "acme/widgets", IssueRef: "acme/widgets#42"}
	return NewIssuePlanBuilder(task).
		WithBranches("main", "ralph-bot").
		WithWorktreeRoot("/var/lib/ralphd/worktrees").
		WithMergePolicy("main", "main-merge-allowed").
		WithRecoveryThresholds(sessionrunner.DefaultWatchdogThresholdsMs, 120_000, 1, 2).
		ResolveIssueNumber().
		Build()
}

func newTestWorker(t *testing.T, host *fakeHost, sessions *fakeSessions, checkpoints *fakeCheckpoints, queue taskqueue.QueueAdapter) *RepoWorker {
	t.Helper()
	resolver := prresolver.New(host, prresolver.NewCache(time.Minute))
	gate := mergegate.New(host, mergegate.Config{BotBranch: "ralph-bot", DefaultBranch: "main", MaxPollMs: 1000}, nil)
	leases, err := lease.Open(t.TempDir() + "/leases.json")
	require.NoError(t, err)
	return New(Deps{
		Sessions:    sessions,
		Host:        host,
		Breaker:     circuitbreaker.New(circuitbreaker.DefaultParams()),
		Leases:      leases,
		Resolver:    resolver,
		MergeGate:   gate,
		Worktrees:   &fakeWorktree{dir: "/tmp/worktree"},
		Checkpoints: checkpoints,
		Queue:       queue,
		Now:         time.Now,
	}, nil)
}

func TestRepoWorker_Run_HappyPathReachesRecorded(t *testing.T) {
	host := &fakeHost{
		issue: &hostclient.Issue{Number: 42, State: "open"},
		pr: &hostclient.PullRequest{
			Number: 7, URL: "https://github.com/acme/widgets/pull/7",
			State: "OPEN", MergeableState: "CLEAN", UpdatedAt: time.Now(),
		},
		checks: nil,
		labels: []string{"main-merge-allowed"},
	}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: true, SessionID: "sess-1"}}
	checkpoints := &fakeCheckpoints{}
	queue := &fakeQueue{}
	w := newTestWorker(t, host, sessions, checkpoints, queue)

	result, err := w.Run(context.Background(), newTestPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, result.Outcome)
	require.Equal(t, []string{
		string(ralphtypes.CheckpointPlanned),
		string(ralphtypes.CheckpointRouted),
		string(ralphtypes.CheckpointImplementationStepComplete),
		string(ralphtypes.CheckpointPRReady),
		string(ralphtypes.CheckpointMergeStepComplete),
		string(ralphtypes.CheckpointSurveyComplete),
		string(ralphtypes.CheckpointRecorded),
	}, checkpoints.recorded)

	require.Equal(t, []ralphtypes.TaskStatus{
		ralphtypes.StatusStarting,
		ralphtypes.StatusInProgress,
		ralphtypes.StatusDone,
	}, queue.transitions)
	donePatch := queue.patches[len(queue.patches)-1]
	require.True(t, donePatch.ClearSessionIdentity)
	require.NotNil(t, donePatch.CompletedAt)
}

func TestRepoWorker_Run_PausesAtRequestedCheckpoint(t *testing.T) {
	host := &fakeHost{issue: &hostclient.Issue{Number: 42, State: "open"}}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: true, SessionID: "sess-1"}}
	checkpoints := &fakeCheckpoints{}
	queue := &fakeQueue{}
	w := newTestWorker(t, host, sessions, checkpoints, queue)

	cp := ralphtypes.CheckpointRouted
	plan := newTestPlan()
	plan.PauseAtCheckpoint = &cp

	result, err := w.Run(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, OutcomePausedAt, result.Outcome)
	require.Equal(t, ralphtypes.CheckpointRouted, result.Checkpoint)
	require.Equal(t, []string{string(ralphtypes.CheckpointPlanned), string(ralphtypes.CheckpointRouted)}, checkpoints.recorded)

	require.Equal(t, []ralphtypes.TaskStatus{
		ralphtypes.StatusStarting,
		ralphtypes.StatusInProgress,
		ralphtypes.StatusThrottled,
	}, queue.transitions)
	pausePatch := queue.patches[len(queue.patches)-1]
	require.Nil(t, pausePatch.ResumeAt)
	require.NotNil(t, pausePatch.ThrottledAt)
}

func TestRepoWorker_Run_IssueClosedSkipsToWaiting(t *testing.T) {
	host := &fakeHost{issue: &hostclient.Issue{Number: 42, State: "closed"}}
	sessions := &fakeSessions{}
	checkpoints := &fakeCheckpoints{}
	w := newTestWorker(t, host, sessions, checkpoints, nil)

	result, err := w.Run(context.Background(), newTestPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeWaitingOnPR, result.Outcome)
	require.Empty(t, checkpoints.recorded)
}

func TestRepoWorker_Run_SessionFailureRecordsCircuitBreakerFailure(t *testing.T) {
	host := &fakeHost{issue: &hostclient.Issue{Number: 42, State: "open"}}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: false}}
	checkpoints := &fakeCheckpoints{}
	w := newTestWorker(t, host, sessions, checkpoints, nil)

	result, err := w.Run(context.Background(), newTestPlan())
	require.Error(t, err)
	require.Equal(t, OutcomeBlocked, result.Outcome)
}

func TestRepoWorker_Run_BreakerOpenPostsEscalationComment(t *testing.T) {
	host := &fakeHost{issue: &hostclient.Issue{Number: 42, State: "open"}}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: false}}
	checkpoints := &fakeCheckpoints{}
	w := newTestWorker(t, host, sessions, checkpoints, nil)

	var result *RunResult
	var err error
	for i := 0; i < 4; i++ {
		result, err = w.Run(context.Background(), newTestPlan())
	}
	require.Error(t, err)
	require.Equal(t, OutcomeEscalated, result.Outcome)
	require.Len(t, host.commentsCreated, 1)
	require.Contains(t, host.commentsCreated[0], escalationMarker)
}

func TestRepoWorker_Run_StageFailurePublishesToDeadLetterQueue(t *testing.T) {
	host := &fakeHost{issue: &hostclient.Issue{Number: 42, State: "open"}}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: false}}
	resolver := prresolver.New(host, prresolver.NewCache(time.Minute))
	gate := mergegate.New(host, mergegate.Config{BotBranch: "ralph-bot", DefaultBranch: "main", MaxPollMs: 1000}, nil)
	leases, err := lease.Open(t.TempDir() + "/leases.json")
	require.NoError(t, err)

	bus := NewBus()
	dlq := NewDeadLetterQueue()
	bus.Subscribe(EventStageFailed, WithRetry(NewStageFailedHandler(), DefaultRetryPolicy(), dlq))

	w := New(Deps{
		Sessions:  sessions,
		Host:      host,
		Breaker:   circuitbreaker.New(circuitbreaker.DefaultParams()),
		Leases:    leases,
		Resolver:  resolver,
		MergeGate: gate,
		Worktrees: &fakeWorktree{dir: "/tmp/worktree"},
		Bus:       bus,
		Now:       time.Now,
	}, nil)

	result, runErr := w.Run(context.Background(), newTestPlan())
	require.Error(t, runErr)
	require.Equal(t, OutcomeBlocked, result.Outcome)

	require.Equal(t, 1, dlq.Count())
	failed := dlq.GetAll()[0]
	require.Equal(t, EventStageFailed, failed.Event.Name())
	sf, ok := failed.Event.(StageFailed)
	require.True(t, ok)
	require.Equal(t, newTestPlan().Task.Path, sf.TaskPath)
	require.NotEmpty(t, sf.Stage)
}

func TestRepoWorker_Run_BackoffThrottlesWithResumeAt(t *testing.T) {
	host := &fakeHost{issue: &hostclient.Issue{Number: 42, State: "open"}}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: false}}
	checkpoints := &fakeCheckpoints{}
	queue := &fakeQueue{}
	w := newTestWorker(t, host, sessions, checkpoints, queue)

	// First failure: DecisionNone, plain blocked.
	result, err := w.Run(context.Background(), newTestPlan())
	require.Error(t, err)
	require.Equal(t, OutcomeBlocked, result.Outcome)

	// Second failure within the window: DecisionBackoff.
	result, err = w.Run(context.Background(), newTestPlan())
	require.Error(t, err)
	require.Equal(t, OutcomeThrottled, result.Outcome)
	require.NotNil(t, result.ResumeAt)
	require.True(t, result.ResumeAt.After(time.Now()))

	last := queue.transitions[len(queue.transitions)-1]
	require.Equal(t, ralphtypes.StatusThrottled, last)
	patch := queue.patches[len(queue.patches)-1]
	require.NotNil(t, patch.ResumeAt)
	require.Equal(t, *result.ResumeAt, *patch.ResumeAt)
}

func TestRepoWorker_Run_PRConflictWaitsOnPR(t *testing.T) {
	host := &fakeHost{
		issue: &hostclient.Issue{Number: 42, State: "open"},
		pr: &hostclient.PullRequest{
			Number: 7, URL: "https://github.com/acme/widgets/pull/7",
			State: "OPEN", MergeableState: "DIRTY", UpdatedAt: time.Now(),
		},
	}
	sessions := &fakeSessions{result: &sessionrunner.Result{Success: true, SessionID: "sess-1"}}
	checkpoints := &fakeCheckpoints{}
	w := newTestWorker(t, host, sessions, checkpoints, nil)

	result, err := w.Run(context.Background(), newTestPlan())
	require.NoError(t, err)
	require.Equal(t, OutcomeWaitingOnPR, result.Outcome)
}
