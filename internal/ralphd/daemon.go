// Package ralphd wires every component package into one daemon process:
// the control plane, the fair scheduler, the durable task queue, and the
// per-repo pipeline worker, plus the periodic maintenance jobs that keep
// the registry record fresh, reap stale registry records and PR-create
// leases, and re-trim quarantine files. No job sweeps the PR resolver's
// cache.
// Construction and lifecycle follow internal/daemon/daemon.go's shape.
package ralphd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	gogithub "github.com/google/go-github/v68/github"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/ralph-fleet/ralphd/internal/circuitbreaker"
	"github.com/ralph-fleet/ralphd/internal/config"
	"github.com/ralph-fleet/ralphd/internal/controlplane"
	"github.com/ralph-fleet/ralphd/internal/fairsched"
	"github.com/ralph-fleet/ralphd/internal/host/github"
	"github.com/ralph-fleet/ralphd/internal/host/resilient"
	"github.com/ralph-fleet/ralphd/internal/hostclient"
	"github.com/ralph-fleet/ralphd/internal/lease"
	"github.com/ralph-fleet/ralphd/internal/logfields"
	"github.com/ralph-fleet/ralphd/internal/mergegate"
	"github.com/ralph-fleet/ralphd/internal/metrics"
	"github.com/ralph-fleet/ralphd/internal/pipeline"
	"github.com/ralph-fleet/ralphd/internal/prresolver"
	"github.com/ralph-fleet/ralphd/internal/quarantine"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
	"github.com/ralph-fleet/ralphd/internal/taskqueue"
	"github.com/ralph-fleet/ralphd/internal/worktree"
)

// Status mirrors the teacher's daemon.Status lifecycle enum.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Daemon is one ralphd process: a control-plane singleton, a fair
// scheduler, a durable task queue, and a shared RepoWorker driving every
// repo's pipeline.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	status    atomic.Value // Status
	startTime time.Time

	mu sync.Mutex

	daemonID      string
	controlPaths  controlplane.Paths
	daemonLock    *controlplane.Lock
	drainMonitor  *controlplane.DrainMonitor
	configWatcher *config.Watcher

	queue      *taskqueue.SQLiteStore
	sched      *fairsched.Scheduler
	controller *fairsched.Controller

	repoSemsMu sync.Mutex
	repoSems   map[string]*fairsched.Semaphore

	breaker     *circuitbreaker.Breaker
	leases      *lease.Table
	resolver    *prresolver.Resolver
	mergeGate   *mergegate.Gate
	quarantines *quarantine.Store
	host        hostclient.HostClient
	worker      *pipeline.RepoWorker
	bus         *pipeline.Bus
	dlq         *pipeline.DeadLetterQueue
	recorder    metrics.Recorder

	jobs *gocron.Scheduler

	workers  WorkerGroup
	stopChan chan struct{}
}

// New constructs a Daemon from a loaded, validated config and an
// operator-supplied SessionRunner (the coding-agent integration itself
// is agent-runtime-internals territory, out of scope here — every
// concrete binding is injected by the caller). It performs no I/O beyond
// what building the component graph itself requires (no lock
// acquisition, no network calls); those happen in Start.
func New(cfg *config.Config, sessions sessionrunner.SessionRunner, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		daemonID: fmt.Sprintf("ralphd-%d", os.Getpid()),
		repoSems: make(map[string]*fairsched.Semaphore),
		stopChan: make(chan struct{}),
	}
	d.status.Store(StatusStopped)

	queue, err := taskqueue.NewSQLiteStore(cfg.Paths.StateDir + "/ralphd.db")
	if err != nil {
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	d.queue = queue

	global := fairsched.NewSemaphore(cfg.Scheduler.GlobalCapacity)
	d.sched = fairsched.NewScheduler(global, d.repoSemaphore)
	d.controller = fairsched.NewController(d.dispatchQueued, d.dispatchResume)

	d.host = d.buildHostClient()

	d.breaker = circuitbreaker.New(circuitbreaker.DefaultParams())

	leaseTable, err := lease.Open(cfg.Paths.StateDir + "/pr-create-leases.json")
	if err != nil {
		return nil, fmt.Errorf("open lease table: %w", err)
	}
	d.leases = leaseTable

	d.resolver = prresolver.New(d.host, prresolver.NewCache(prresolver.DefaultTTL))
	d.mergeGate = mergegate.New(d.host, mergegate.DefaultConfig(), log)
	d.quarantines, err = quarantine.NewStore(cfg.Paths.StateDir + "/quarantine")
	if err != nil {
		return nil, fmt.Errorf("open quarantine store: %w", err)
	}

	d.bus = pipeline.NewBus()
	d.dlq = pipeline.NewDeadLetterQueue()
	d.bus.Subscribe(pipeline.EventStageFailed, pipeline.WithRetry(
		pipeline.NewStageFailedHandler(),
		pipeline.DefaultRetryPolicy(),
		d.dlq,
	))

	if cfg.Metrics.Enabled {
		d.recorder = metrics.NoopRecorder{} // no Prometheus recorder is wired here; metrics stay no-op either way
	} else {
		d.recorder = metrics.NoopRecorder{}
	}

	d.worker = pipeline.New(pipeline.Deps{
		Sessions:    sessions,
		Host:        d.host,
		Breaker:     d.breaker,
		Leases:      d.leases,
		Resolver:    d.resolver,
		MergeGate:   d.mergeGate,
		Worktrees:   worktree.New(cfg.Auth, log),
		Commands:    NewScriptCommandRunner(),
		Checkpoints: d.queue,
		Queue:       d.queue,
		Bus:         d.bus,
		Now:         time.Now,
	}, log)

	return d, nil
}

// buildHostClient wraps the concrete GitHub binding in the per-repo
// circuit breaker decorator, the way Component G wraps session failures
// but at the transport layer instead.
func (d *Daemon) buildHostClient() hostclient.HostClient {
	httpClient := http.DefaultClient
	if token := d.cfg.Auth.Token; token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), src)
	}
	gh := gogithub.NewClient(httpClient)
	inner := github.New(gh)
	return resilient.New(inner, resilient.DefaultSettings(), func(repo string, state gobreaker.State) {
		d.log.Warn("host circuit breaker state change", logfields.Repo(repo), slog.String("state", state.String()))
	})
}

func (d *Daemon) repoSemaphore(repo string) *fairsched.Semaphore {
	d.repoSemsMu.Lock()
	defer d.repoSemsMu.Unlock()
	if sem, ok := d.repoSems[repo]; ok {
		return sem
	}
	capacity := d.cfg.Scheduler.DefaultRepoCapacity
	for _, r := range d.cfg.Repos {
		if r.Name == repo && r.Capacity > 0 {
			capacity = r.Capacity
		}
	}
	sem := fairsched.NewSemaphore(capacity)
	d.repoSems[repo] = sem
	return sem
}

// Start acquires the singleton lock, publishes the daemon registry
// record, brings up the drain monitor and periodic jobs, and blocks
// until ctx is canceled — mirroring daemon.go's status-guarded Start
// that unlocks d.mu before the blocking call. Stop does not end this
// wait; only ctx does.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.status.Load().(Status) != StatusStopped {
		d.mu.Unlock()
		return fmt.Errorf("ralphd: Start called while status is %s", d.status.Load())
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	d.controlPaths = controlplane.Resolve()
	lock, err := controlplane.AcquireDaemonLock(d.controlPaths, d.daemonID, os.Getpid(), d.startTime)
	if err != nil {
		d.status.Store(StatusStopped)
		d.mu.Unlock()
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	d.daemonLock = lock

	rec, err := controlplane.NewDaemonRecord(d.controlPaths, d.daemonID, "dev")
	if err != nil {
		d.daemonLock.Release()
		d.status.Store(StatusStopped)
		d.mu.Unlock()
		return fmt.Errorf("build daemon record: %w", err)
	}
	if err := controlplane.WriteDaemonRecord(d.controlPaths, rec, ""); err != nil {
		d.daemonLock.Release()
		d.status.Store(StatusStopped)
		d.mu.Unlock()
		return fmt.Errorf("write daemon record: %w", err)
	}

	d.drainMonitor = controlplane.NewDrainMonitor(d.controlPaths.ControlFile(), d.onGateChange, d.log)
	d.drainMonitor.Start(ctx)

	jobs, err := gocron.NewScheduler()
	if err != nil {
		d.drainMonitor.Stop()
		d.daemonLock.Release()
		d.status.Store(StatusStopped)
		d.mu.Unlock()
		return fmt.Errorf("create job scheduler: %w", err)
	}
	d.jobs = jobs
	d.schedulePeriodicJobs()
	d.jobs.Start()

	d.workers.Reset()
	d.workers.Go(func() { d.heartbeatLoop(ctx) })
	d.workers.Go(func() { d.dispatchLoop(ctx) })

	d.status.Store(StatusRunning)
	d.mu.Unlock()

	<-ctx.Done()

	d.status.Store(StatusStopping)
	return nil
}

// schedulePeriodicJobs registers the maintenance jobs: daemon-record
// heartbeat write, registry reaper, stale-lease GC, and quarantine
// rotation — all via gocron/v2 rather than a hand-rolled ticker loop.
// No job sweeps the PR-resolver cache.
func (d *Daemon) schedulePeriodicJobs() {
	_, _ = d.jobs.NewJob(
		gocron.DurationJob(controlplane.HeartbeatInterval),
		gocron.NewTask(func() {
			rec, err := controlplane.NewDaemonRecord(d.controlPaths, d.daemonID, "dev")
			if err != nil {
				return
			}
			_ = controlplane.WriteDaemonRecord(d.controlPaths, rec, "")
		}),
	)

	_, _ = d.jobs.NewJob(
		gocron.DurationJob(controlplane.HeartbeatTTL),
		gocron.NewTask(func() { d.reapStaleRegistryRecords() }),
	)

	_, _ = d.jobs.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			n, err := d.leases.ReapStale(time.Now())
			if err != nil {
				d.log.Warn("lease reaper failed", logfields.Error(err))
				return
			}
			if n > 0 {
				d.log.Info("reaped stale PR-create leases", slog.Int("count", n))
			}
		}),
	)

	_, _ = d.jobs.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			d.quarantines.RotateAll()
		}),
	)
}

// reapStaleRegistryRecords evicts legacy daemon-registry.json mirrors
// whose heartbeat has gone stale beyond HeartbeatTTL, logging at most
// once per evicted id. The canonical record is never evicted here — it
// is this process's own record, kept fresh by the heartbeat job above.
func (d *Daemon) reapStaleRegistryRecords() {
	now := time.Now()
	for _, root := range controlplane.LegacyRoots() {
		rec, err := controlplane.ReadDaemonRecord(controlplane.Paths{ControlRoot: root}, nil)
		if err != nil {
			continue
		}
		if rec.DaemonID == d.daemonID {
			continue
		}
		if !controlplane.IsFresh(rec, now) {
			d.log.Info("reaping stale daemon registry record", logfields.DaemonID(rec.DaemonID))
			_ = os.Remove(controlplane.Paths{ControlRoot: root}.RegistryFile())
		}
	}
}

// onGateChange logs drain-mode transitions and kicks the dispatch
// controller so a flip back to running immediately drains the backlog.
func (d *Daemon) onGateChange(prev, next *ralphtypes.ControlState) {
	d.log.Info("control gate changed", logfields.Mode(string(next.Mode)))
	if next.Mode != prev.Mode {
		d.controller.ScheduleQueuedTasksSoon()
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	<-ctx.Done()
}

// dispatchLoop kicks one queued-dispatch pass and one resume pass
// through the controller at startup, then waits for ctx; later queued
// passes come from onGateChange when the drain mode flips.
func (d *Daemon) dispatchLoop(ctx context.Context) {
	d.controller.ScheduleQueuedTasksSoon()
	d.controller.ScheduleResumeTasksSoon()
	<-ctx.Done()
}

func (d *Daemon) dispatchQueued() {
	ctx := context.Background()
	queued, err := d.queue.GetQueuedTasks(ctx)
	if err != nil {
		d.log.Warn("dispatch: list queued tasks", logfields.Error(err))
		return
	}
	gate := d.drainMonitor.Gate()
	fairsched.ProcessNewTasks(d.sched, gate, queued, d.startTask)
}

func (d *Daemon) dispatchResume() {
	ctx := context.Background()
	throttled, err := d.queue.GetTasksByStatus(ctx, ralphtypes.StatusThrottled)
	if err != nil {
		d.log.Warn("dispatch: list resume tasks", logfields.Error(err))
		return
	}

	now := time.Now()
	resuming := make([]*ralphtypes.Task, 0, len(throttled))
	for _, t := range throttled {
		if t.ResumeAt == nil || t.ResumeAt.After(now) {
			continue
		}
		// The worker's own drive() starts every run from StatusQueued, so a
		// throttled task due for resume is moved back to queued here before
		// it is ever handed to startTask.
		ok, err := d.queue.UpdateTaskStatus(ctx, t.Path, ralphtypes.StatusQueued, taskqueue.Patch{})
		if err != nil {
			d.log.Warn("dispatch: requeue throttled task", logfields.TaskPath(t.Path), logfields.Error(err))
			continue
		}
		if !ok {
			continue
		}
		t.Status = ralphtypes.StatusQueued
		resuming = append(resuming, t)
	}
	fairsched.ProcessNewTasks(d.sched, ralphtypes.GateRunning, resuming, d.startTask)
}

// repoConfig looks up the operator config for repo, falling back to the
// scheduler-wide defaults for any repo not explicitly listed.
func (d *Daemon) repoConfig(repo string) config.RepoConfig {
	for _, r := range d.cfg.Repos {
		if r.Name == repo {
			return r
		}
	}
	return config.RepoConfig{
		Name:                  repo,
		BaseBranch:            "main",
		BotBranch:             "ralph-bot",
		DefaultBranch:         "main",
		MainMergeAllowedLabel: "main-merge-allowed",
	}
}

// startTask hands one claimed task to the shared RepoWorker in a tracked
// background goroutine, releasing its scheduler slot on completion.
func (d *Daemon) startTask(t *ralphtypes.Task) {
	d.workers.Go(func() {
		defer d.sched.MarkDone(t.Path)

		rc := d.repoConfig(t.Repo)
		plan := pipeline.NewIssuePlanBuilder(t).
			WithBranches(rc.BaseBranch, rc.BotBranch).
			WithMergePolicy(rc.DefaultBranch, rc.MainMergeAllowedLabel).
			WithWorktreeRoot(d.cfg.Paths.WorktreeRoot).
			WithRunLogDir(d.cfg.Paths.RunLogDir).
			WithAllowedTools(rc.AllowedTools).
			WithRecoveryThresholds(
				d.cfg.Recovery.WatchdogThresholdsMs,
				d.cfg.Recovery.StallIdleMs,
				d.cfg.Recovery.MaxWatchdogRetries,
				d.cfg.Recovery.MaxStallRestarts,
			).
			ResolveIssueNumber().
			Build()

		ctx := context.Background()
		rr, err := d.worker.Run(ctx, plan)
		if err != nil {
			d.log.Error("repo worker run failed", logfields.TaskPath(t.Path), logfields.Error(err))
			return
		}
		d.log.Info("repo worker run settled", logfields.TaskPath(t.Path), logfields.Status(string(rr.Outcome)))
	})
}

// Stop snapshots every component then releases them in reverse
// construction order, bounded by ctx, mirroring daemon.go's Stop.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.status.Load().(Status) == StatusStopped {
		d.mu.Unlock()
		return nil
	}
	jobs := d.jobs
	drainMonitor := d.drainMonitor
	lock := d.daemonLock
	queue := d.queue
	d.mu.Unlock()

	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}

	if jobs != nil {
		_ = jobs.Shutdown()
	}
	if drainMonitor != nil {
		drainMonitor.Stop()
	}

	waitErr := d.workers.StopAndWait(ctx)

	if lock != nil {
		_ = lock.Release()
	}
	if queue != nil {
		_ = queue.Close()
	}

	d.status.Store(StatusStopped)
	return waitErr
}

// GetStatus reports the current lifecycle state.
func (d *Daemon) GetStatus() Status { return d.status.Load().(Status) }

// GetStartTime reports when Start last began, the zero time if never started.
func (d *Daemon) GetStartTime() time.Time { return d.startTime }

// Gate reports the scheduler-wide admission verdict from the drain
// monitor, or GateRunning if the daemon has not started yet.
func (d *Daemon) Gate() ralphtypes.Gate {
	d.mu.Lock()
	dm := d.drainMonitor
	d.mu.Unlock()
	if dm == nil {
		return ralphtypes.GateRunning
	}
	return dm.Gate()
}

// RepoInFlight reports, for every repo that has ever claimed a
// semaphore slot, how many of its slots are currently in use.
func (d *Daemon) RepoInFlight() map[string]int {
	d.repoSemsMu.Lock()
	defer d.repoSemsMu.Unlock()

	out := make(map[string]int, len(d.repoSems))
	for repo, sem := range d.repoSems {
		out[repo] = sem.Capacity() - sem.Available()
	}
	return out
}

// BreakerOpenCounts reports the number of open circuit-breaker
// fingerprints per repo.
func (d *Daemon) BreakerOpenCounts() map[string]int {
	return d.breaker.OpenCountByRepo()
}

// DeadLetterCount reports how many stage failures exhausted retry and
// landed in the dead-letter queue since this daemon started.
func (d *Daemon) DeadLetterCount() int {
	return d.dlq.Count()
}

// QueueDepth reports how many tasks are currently queued awaiting a
// scheduler slot.
func (d *Daemon) QueueDepth(ctx context.Context) (int, error) {
	queued, err := d.queue.GetQueuedTasks(ctx)
	if err != nil {
		return 0, err
	}
	return len(queued), nil
}
