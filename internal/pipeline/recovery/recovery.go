// Package recovery implements Component F: the watchdog, stall, and
// loop-detection handlers a RepoWorker consults after every session
// invocation, each producing a recovery Action. The worker's build stage
// maps the Action to an outcome, records it and fails the stage; the task
// is then settled by the circuit breaker (Component G), and the Action
// itself is not applied to the task.
package recovery

import (
	"fmt"
	"strings"
)

// Action is what the worker must do in response to a recovery handler's
// verdict.
type Action string

const (
	ActionRequeueSameSession  Action = "requeue-same-session"
	ActionRequeueFreshSession Action = "requeue-fresh-session"
	ActionEscalate            Action = "escalate"
)

// Decision is one handler's verdict plus the bookkeeping the worker
// must persist alongside it.
type Decision struct {
	Action      Action
	Reason      string
	Diagnostics map[string]any
}

// WatchdogEvent is the recent tool-call history the handler inspects for
// a repeat-signature early-escalation trip.
type WatchdogEvent struct {
	ToolName string
	CallID   string
}

// WatchdogOutcome is the {toolName, callId, elapsedMs, recentEvents}
// payload SessionRunner returns on a hard-threshold trip.
type WatchdogOutcome struct {
	ToolName     string
	CallID       string
	ElapsedMs    int64
	RecentEvents []WatchdogEvent
}

// RepeatSignatureThreshold is how many consecutive identical tool names
// in RecentEvents counts as a repeat signature worth skipping retry for.
const RepeatSignatureThreshold = 3

// Watchdog decides what to do with one hard-threshold trip. retries is
// the task's current watchdog-retries counter before this trip.
func Watchdog(outcome WatchdogOutcome, retries int) Decision {
	if retries == 0 && isRepeatSignature(outcome.RecentEvents, RepeatSignatureThreshold) {
		return Decision{
			Action: ActionEscalate,
			Reason: "watchdog-repeat-signature",
			Diagnostics: map[string]any{
				"toolName":  outcome.ToolName,
				"callId":    outcome.CallID,
				"elapsedMs": outcome.ElapsedMs,
			},
		}
	}
	if retries == 0 {
		return Decision{Action: ActionRequeueSameSession, Reason: "watchdog-first-timeout"}
	}
	return Decision{
		Action: ActionEscalate,
		Reason: "watchdog-repeated-timeout",
		Diagnostics: map[string]any{
			"toolName":  outcome.ToolName,
			"callId":    outcome.CallID,
			"elapsedMs": outcome.ElapsedMs,
		},
	}
}

func isRepeatSignature(events []WatchdogEvent, threshold int) bool {
	if len(events) < threshold {
		return false
	}
	last := events[len(events)-1].ToolName
	for i := len(events) - 2; i >= len(events)-threshold; i-- {
		if events[i].ToolName != last {
			return false
		}
	}
	return true
}

// StallState is the task's current stall-recovery bookkeeping.
type StallState struct {
	StallRetries int
	SessionID    string // empty after a fresh-session restart
}

// Stall decides what to do with one idle-timeout trip. maxRestarts
// bounds the fresh-session restart count before escalation.
func Stall(state StallState, maxRestarts int) Decision {
	if state.SessionID != "" && state.StallRetries == 0 {
		return Decision{Action: ActionRequeueSameSession, Reason: "stall-first-nudge"}
	}
	if state.StallRetries < maxRestarts {
		return Decision{Action: ActionRequeueFreshSession, Reason: "stall-fresh-restart"}
	}
	return Decision{
		Action: ActionEscalate,
		Reason: "stall-max-restarts-exceeded",
		Diagnostics: map[string]any{"maxRestarts": maxRestarts, "stallRetries": state.StallRetries},
	}
}

// LoopTrip is the {reason, metrics} payload a session reports on a
// detected gate-command loop.
type LoopTrip struct {
	Reason  string
	Metrics map[string]any
}

// LoopDetection always escalates on a trip; it exists as its own
// handler (rather than inlined at the call site) because the
// diagnostics block it assembles — touched files from metrics, or a
// git-diff fallback clipped to 10 — is itself the subject of Component
// F's contract.
func LoopDetection(trip LoopTrip, touchedFilesFallback []string) Decision {
	files := touchedFiles(trip.Metrics, touchedFilesFallback)
	return Decision{
		Action: ActionEscalate,
		Reason: fmt.Sprintf("loop-detected: %s", trip.Reason),
		Diagnostics: map[string]any{
			"reason":       trip.Reason,
			"metrics":      trip.Metrics,
			"touchedFiles": files,
		},
	}
}

const maxTouchedFiles = 10

func touchedFiles(metrics map[string]any, fallback []string) []string {
	if raw, ok := metrics["touchedFiles"]; ok {
		if files, ok := raw.([]string); ok && len(files) > 0 {
			return clip(files, maxTouchedFiles)
		}
	}
	return clip(fallback, maxTouchedFiles)
}

func clip(files []string, max int) []string {
	if len(files) <= max {
		return files
	}
	return files[:max]
}

// FormatRecentEvents renders RecentEvents compactly for a diagnostics
// block or consultant writeback.
func FormatRecentEvents(events []WatchdogEvent) string {
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.ToolName)
	}
	return strings.Join(names, " -> ")
}
