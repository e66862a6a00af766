package fairsched

import (
	"sync"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// RepoSemaphoreFactory returns (creating if necessary) the per-repo
// admission semaphore for repo.
type RepoSemaphoreFactory func(repo string) *Semaphore

// GroupByRepo partitions tasks by repo, preserving first-seen repo order
// so round-robin fairness does not depend on map iteration order.
func GroupByRepo(tasks []*ralphtypes.Task) (order []string, byRepo map[string][]*ralphtypes.Task) {
	byRepo = make(map[string][]*ralphtypes.Task)
	for _, t := range tasks {
		if _, ok := byRepo[t.Repo]; !ok {
			order = append(order, t.Repo)
		}
		byRepo[t.Repo] = append(byRepo[t.Repo], t)
	}
	return order, byRepo
}

// Scheduler owns the round-robin cursor and the in-flight task set. It
// exclusively decides which queued or resume task gets a permit next;
// the task queue (Component D) still owns the status transition itself.
type Scheduler struct {
	mu        sync.Mutex
	cursor    int
	global    *Semaphore
	repoSems  RepoSemaphoreFactory
	inFlight  map[string]bool
}

// NewScheduler constructs a Scheduler bound to the global semaphore and a
// per-repo semaphore factory.
func NewScheduler(global *Semaphore, repoSems RepoSemaphoreFactory) *Scheduler {
	return &Scheduler{
		global:   global,
		repoSems: repoSems,
		inFlight: make(map[string]bool),
	}
}

// InFlight reports whether path is currently tracked as in-flight.
func (s *Scheduler) InFlight(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[path]
}

// MarkDone removes path from the in-flight set, e.g. once a task reaches
// a terminal status. Safe to call even if path was never tracked.
func (s *Scheduler) MarkDone(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, path)
}

// StartQueuedTasks implements the §4.B dispatch contract: a priority
// (resume) pass followed by a fair round-robin pass over queued tasks,
// gated on gate == running. It returns the number of tasks started.
//
// startTask and startPriorityTask are invoked with the permit already
// held; if the callback itself fails to hand off the task it must call
// the returned release closures itself — StartQueuedTasks does not
// release on the caller's behalf once a task has been started.
func (s *Scheduler) StartQueuedTasks(
	gate ralphtypes.Gate,
	queued []*ralphtypes.Task,
	priority []*ralphtypes.Task,
	startTask func(t *ralphtypes.Task, releaseGlobal, releaseRepo Release),
	startPriorityTask func(t *ralphtypes.Task, releaseGlobal, releaseRepo Release),
) int {
	if gate != ralphtypes.GateRunning {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0

	// Priority pass: resume tasks jump the queue but still pay for both
	// a global and a repo permit, same as ordinary dispatch.
	for _, t := range priority {
		if s.inFlight[t.Path] {
			continue
		}
		relGlobal := s.global.TryAcquire()
		if relGlobal == nil {
			continue
		}
		repoSem := s.repoSems(t.Repo)
		relRepo := repoSem.TryAcquire()
		if relRepo == nil {
			relGlobal()
			continue
		}
		s.inFlight[t.Path] = true
		startPriorityTask(t, relGlobal, relRepo)
		started++
	}

	// Round-robin pass over remaining queued work, filtering inFlight
	// (including tasks just claimed by the priority pass above).
	var fresh []*ralphtypes.Task
	for _, t := range queued {
		if !s.inFlight[t.Path] {
			fresh = append(fresh, t)
		}
	}

	order, byRepo := GroupByRepo(fresh)
	if len(order) == 0 {
		return started
	}

	for s.global.Available() > 0 {
		startedThisRotation := false

		for i := 0; i < len(order); i++ {
			idx := (s.cursor + i) % len(order)
			repo := order[idx]
			tasks := byRepo[repo]

			// Drop tasks claimed since the rotation began.
			for len(tasks) > 0 && s.inFlight[tasks[0].Path] {
				tasks = tasks[1:]
			}
			if len(tasks) == 0 {
				byRepo[repo] = tasks
				continue
			}

			relGlobal := s.global.TryAcquire()
			if relGlobal == nil {
				break // global exhausted mid-rotation
			}
			repoSem := s.repoSems(repo)
			relRepo := repoSem.TryAcquire()
			if relRepo == nil {
				relGlobal()
				byRepo[repo] = tasks
				continue
			}

			next := tasks[0]
			byRepo[repo] = tasks[1:]
			s.inFlight[next.Path] = true
			startTask(next, relGlobal, relRepo)
			started++
			startedThisRotation = true
			s.cursor = (idx + 1) % len(order)
			break // restart scan from the new cursor
		}

		if !startedThisRotation {
			break
		}
	}

	return started
}
