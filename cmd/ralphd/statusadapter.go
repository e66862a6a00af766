package main

import (
	"context"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphd"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// daemonStatusAdapter narrows *ralphd.Daemon to httpstatus.Provider, the
// same decoupling internal/server/httpserver's runtimeAdapter gives its
// Runtime interface.
type daemonStatusAdapter struct {
	d *ralphd.Daemon
}

func newStatusProvider(d *ralphd.Daemon) daemonStatusAdapter {
	return daemonStatusAdapter{d: d}
}

func (a daemonStatusAdapter) GetStatus() string                 { return string(a.d.GetStatus()) }
func (a daemonStatusAdapter) GetStartTime() time.Time           { return a.d.GetStartTime() }
func (a daemonStatusAdapter) Gate() ralphtypes.Gate             { return a.d.Gate() }
func (a daemonStatusAdapter) RepoInFlight() map[string]int      { return a.d.RepoInFlight() }
func (a daemonStatusAdapter) BreakerOpenCounts() map[string]int { return a.d.BreakerOpenCounts() }
func (a daemonStatusAdapter) DeadLetterCount() int               { return a.d.DeadLetterCount() }
func (a daemonStatusAdapter) QueueDepth(ctx context.Context) (int, error) {
	return a.d.QueueDepth(ctx)
}
