package ralphd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralph-fleet/ralphd/internal/config"
	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
)

type stubSessionRunner struct{}

func (stubSessionRunner) RunAgent(ctx context.Context, repoPath, agent, prompt string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return &sessionrunner.Result{Success: true, SessionID: "stub"}, nil
}

func (stubSessionRunner) ContinueSession(ctx context.Context, repoPath, sessionID, msg string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return &sessionrunner.Result{Success: true, SessionID: sessionID}, nil
}

func (stubSessionRunner) ContinueCommand(ctx context.Context, repoPath, sessionID, command string, args []string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return &sessionrunner.Result{Success: true, SessionID: sessionID}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Version: "1",
		Repos: []config.RepoConfig{
			{Name: "acme/widgets", BaseBranch: "main", BotBranch: "ralph-bot", DefaultBranch: "main", Capacity: 3},
		},
		Scheduler: config.SchedulerConfig{GlobalCapacity: 4, DefaultRepoCapacity: 1},
		Recovery: config.RecoveryConfig{
			WatchdogThresholdsMs: []int64{60_000},
			StallIdleMs:          120_000,
			MaxWatchdogRetries:   1,
			MaxStallRestarts:     2,
		},
		Merge: config.MergeConfig{DefaultMethod: "squash"},
		Paths: config.PathsConfig{
			WorktreeRoot: filepath.Join(dir, "worktrees"),
			RunLogDir:    filepath.Join(dir, "logs"),
			StateDir:     dir,
		},
	}
}

func TestNew_BuildsComponentGraph(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, stubSessionRunner{}, nil)
	require.NoError(t, err)
	require.NotNil(t, d.queue)
	require.NotNil(t, d.sched)
	require.NotNil(t, d.worker)
	require.Equal(t, StatusStopped, d.GetStatus())
}

func TestRepoConfig_FallsBackToSchedulerDefaults(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, stubSessionRunner{}, nil)
	require.NoError(t, err)

	known := d.repoConfig("acme/widgets")
	require.Equal(t, 3, known.Capacity)

	unknown := d.repoConfig("acme/other")
	require.Equal(t, "main", unknown.BaseBranch)
	require.Equal(t, "ralph-bot", unknown.BotBranch)
}

func TestRepoSemaphore_ReusesSameInstancePerRepo(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, stubSessionRunner{}, nil)
	require.NoError(t, err)

	a := d.repoSemaphore("acme/widgets")
	b := d.repoSemaphore("acme/widgets")
	require.Same(t, a, b)
	require.Equal(t, 3, a.Capacity())

	other := d.repoSemaphore("acme/other")
	require.Equal(t, cfg.Scheduler.DefaultRepoCapacity, other.Capacity())
}

func TestStart_FailsFastOnSecondCall(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, stubSessionRunner{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return d.GetStatus() == StatusRunning }, time.Second, 5*time.Millisecond)

	err = d.Start(context.Background())
	require.Error(t, err)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, d.Stop(context.Background()))
}

func TestWorkerGroup_RejectsNewWorkAfterStop(t *testing.T) {
	var g WorkerGroup
	started := g.Go(func() {})
	require.True(t, started)

	require.NoError(t, g.StopAndWait(context.Background()))
	require.False(t, g.Go(func() {}))

	g.Reset()
	require.True(t, g.Go(func() {}))
	require.NoError(t, g.StopAndWait(context.Background()))
}
