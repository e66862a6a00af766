package fairsched

import (
	"sync"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// DefaultCoalesceDelay is the single-shot debounce window used by
// ScheduleQueuedTasksSoon and ScheduleResumeTasksSoon.
const DefaultCoalesceDelay = 50 * time.Millisecond

// Controller coalesces bursts of dispatch triggers (file watcher events,
// task-completion callbacks, drain-mode flips) into a single dispatch
// pass via a single-shot timer, and makes processNewTasks idempotent
// against a watcher double-fire.
type Controller struct {
	delay time.Duration

	mu          sync.Mutex
	queuedTimer *time.Timer
	resumeTimer *time.Timer

	dispatchQueued func()
	dispatchResume func()
}

// NewController wires a Controller to the two dispatch passes it
// coalesces triggers for.
func NewController(dispatchQueued, dispatchResume func()) *Controller {
	return &Controller{
		delay:          DefaultCoalesceDelay,
		dispatchQueued: dispatchQueued,
		dispatchResume: dispatchResume,
	}
}

// ScheduleQueuedTasksSoon arms (or leaves armed) a single-shot timer for
// the queued dispatch pass. Repeated calls before the timer fires do not
// multiply the resulting work.
func (c *Controller) ScheduleQueuedTasksSoon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queuedTimer != nil {
		return
	}
	c.queuedTimer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		c.queuedTimer = nil
		c.mu.Unlock()
		c.dispatchQueued()
	})
}

// ScheduleResumeTasksSoon is ScheduleQueuedTasksSoon's counterpart for the
// resume-priority channel, which is gated separately (§4.C: resumes are
// not affected by drain).
func (c *Controller) ScheduleResumeTasksSoon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumeTimer != nil {
		return
	}
	c.resumeTimer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		c.resumeTimer = nil
		c.mu.Unlock()
		c.dispatchResume()
	})
}

// TaskStarter starts exactly one task, already claimed in the scheduler's
// in-flight set, and is supplied by the caller (the worker pool).
type TaskStarter func(t *ralphtypes.Task)

// ProcessNewTasks is idempotent under a watcher double-fire: calling it
// twice with overlapping task sets starts each distinct task path at most
// once, because Scheduler.StartQueuedTasks consults and updates the same
// in-flight set both times.
func ProcessNewTasks(sched *Scheduler, gate ralphtypes.Gate, tasks []*ralphtypes.Task, start TaskStarter) int {
	return sched.StartQueuedTasks(gate, tasks, nil,
		func(t *ralphtypes.Task, releaseGlobal, releaseRepo Release) {
			start(t)
		},
		func(t *ralphtypes.Task, releaseGlobal, releaseRepo Release) {
			start(t)
		},
	)
}
