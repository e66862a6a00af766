// Package sessionrunner defines the abstract coding-agent session
// contract the pipeline drives: start a fresh agent session, continue an
// existing one with a message, or continue it with a structured command.
package sessionrunner

import (
	"context"
	"time"
)

// WatchdogOptions configures Component F's stall/hang detection for one
// session invocation.
type WatchdogOptions struct {
	Enabled           bool
	ThresholdsMs      []int64
	SoftLogIntervalMs int64
	RecentEventLimit  int
	Context           string
}

// StallOptions configures idle-output stall detection.
type StallOptions struct {
	Enabled bool
	IdleMs  int64
	Context string
}

// LoopDetectionOptions configures repeated-gate-failure loop detection.
type LoopDetectionOptions struct {
	Enabled                bool
	GateMatchers           []string
	RecommendedGateCommand string
	Thresholds             map[string]int
}

// Introspection carries display/telemetry context for one session run.
type Introspection struct {
	Repo      string
	Issue     int
	TaskName  string
	Step      string
	StepTitle string
}

// Options bundles every knob a session invocation recognizes.
type Options struct {
	Repo          string
	CacheKey      string
	RunLogPath    string
	TimeoutMs     int64
	Introspection Introspection
	Watchdog      WatchdogOptions
	Stall         StallOptions
	LoopDetection LoopDetectionOptions
}

// Result is the outcome of one session invocation.
type Result struct {
	Success         bool
	SessionID       string
	Output          string
	PRUrl           string
	WatchdogTimeout bool
	StallTimeout    bool
	LoopTrip        bool
}

// SessionRunner is the abstract coding-agent session contract (§6). The
// pipeline never shells out directly — every subprocess invocation for
// an agent turn goes through one of these three methods, so watchdog/
// stall/loop-detection instrumentation and cancellation are uniform.
type SessionRunner interface {
	RunAgent(ctx context.Context, repoPath, agent, prompt string, opts Options) (*Result, error)
	ContinueSession(ctx context.Context, repoPath, sessionID, msg string, opts Options) (*Result, error)
	ContinueCommand(ctx context.Context, repoPath, sessionID, command string, args []string, opts Options) (*Result, error)
}

// DefaultWatchdogThresholdsMs is the teacher-style sane default: warn at
// 5 and 10 minutes, trip at 15.
var DefaultWatchdogThresholdsMs = []int64{
	5 * time.Minute.Milliseconds(),
	10 * time.Minute.Milliseconds(),
	15 * time.Minute.Milliseconds(),
}
