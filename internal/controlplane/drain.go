package controlplane

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ralph-fleet/ralphd/internal/logfields"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// DefaultPollInterval is the cooperative poll cadence for the drain monitor.
const DefaultPollInterval = 1 * time.Second

// DrainMonitor watches control.json and exposes the current gate. It
// retains the last-known-good state across invalid or missing reads, the
// same way the teacher's config watcher keeps serving the prior config on
// a bad reload rather than crashing the daemon.
type DrainMonitor struct {
	path         string
	pollInterval time.Duration
	onModeChange func(prev, next *ralphtypes.ControlState)
	log          *slog.Logger

	mu           sync.RWMutex
	current      *ralphtypes.ControlState
	lastModTime  time.Time
	warnedOnce   map[string]bool // keyed by "invalid:<mtime>" or "missing"

	reloadNow chan struct{}
	stop      chan struct{}
	done      chan struct{}
}

// NewDrainMonitor constructs a monitor for the control file at path. Until
// Start is called it reports the default running state.
func NewDrainMonitor(path string, onModeChange func(prev, next *ralphtypes.ControlState), log *slog.Logger) *DrainMonitor {
	if log == nil {
		log = slog.Default()
	}
	return &DrainMonitor{
		path:         path,
		pollInterval: DefaultPollInterval,
		onModeChange: onModeChange,
		log:          log,
		current:      DefaultControlState(),
		warnedOnce:   make(map[string]bool),
		reloadNow:    make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop and, best-effort, an fsnotify watch on the
// control directory that wakes the poll loop early on a write. fsnotify
// setup failure is non-fatal: the poll loop alone satisfies the contract.
func (m *DrainMonitor) Start(ctx context.Context) {
	m.checkOnce() // seed current state before returning

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("drain monitor: fsnotify unavailable, falling back to poll-only", logfields.Error(err))
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		m.log.Warn("drain monitor: failed to watch control directory", logfields.Error(err))
		_ = watcher.Close()
		watcher = nil
	}

	go m.loop(ctx, watcher)
}

// Stop halts the poll loop and releases the fsnotify watcher, if any.
func (m *DrainMonitor) Stop() {
	close(m.stop)
	<-m.done
}

// ReloadNow requests an immediate out-of-band check, mirroring the
// SIGUSR1 "force a drain-monitor reload" contract.
func (m *DrainMonitor) ReloadNow() {
	select {
	case m.reloadNow <- struct{}{}:
	default:
	}
}

// Gate returns the scheduler-wide admission verdict implied by the
// current control state.
func (m *DrainMonitor) Gate() ralphtypes.Gate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.Mode == ralphtypes.ModeDraining {
		return ralphtypes.GateDraining
	}
	return ralphtypes.GateRunning
}

// State returns a copy of the currently retained control state.
func (m *DrainMonitor) State() ralphtypes.ControlState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

func (m *DrainMonitor) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(m.done)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkOnce()
		case <-m.reloadNow:
			m.checkOnce()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == filepath.Base(m.path) {
				m.checkOnce()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.log.Warn("drain monitor: fsnotify error", logfields.Error(err))
		}
	}
}

// checkOnce implements the poll contract: stat the file; if mtime is
// unchanged since the last observation, do nothing; otherwise parse and,
// on success, apply the new state, invoking onModeChange if the mode
// changed. Invalid or missing files retain the last-known-good state.
func (m *DrainMonitor) checkOnce() {
	info, err := os.Stat(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.warnMissingOnce()
		}
		return
	}

	m.mu.Lock()
	delete(m.warnedOnce, "missing") // re-arm the warning for the next disappearance
	unchanged := info.ModTime().Equal(m.lastModTime)
	m.mu.Unlock()
	if unchanged {
		return
	}

	next, err := ReadControlState(m.path)
	if err != nil {
		m.warnInvalidOnce(info.ModTime())
		return
	}

	m.mu.Lock()
	prev := m.current
	m.current = next
	m.lastModTime = info.ModTime()
	m.mu.Unlock()

	if prev.Mode != next.Mode && m.onModeChange != nil {
		m.onModeChange(prev, next)
	}
}

func (m *DrainMonitor) warnMissingOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warnedOnce["missing"] {
		return
	}
	m.warnedOnce["missing"] = true
	m.log.Warn("drain monitor: control file missing, retaining last-known-good state", logfields.Path(m.path))
}

func (m *DrainMonitor) warnInvalidOnce(mtime time.Time) {
	key := "invalid:" + mtime.String()
	m.mu.Lock()
	already := m.warnedOnce[key]
	m.warnedOnce[key] = true
	m.mu.Unlock()
	if already {
		return
	}
	m.log.Warn("drain monitor: control file invalid, retaining last-known-good state", logfields.Path(m.path))
}
