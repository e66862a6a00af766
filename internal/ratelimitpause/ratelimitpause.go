// Package ratelimitpause implements Component J: turning a host
// rate-limit error into a deterministic resume-at time and a bounded,
// redacted snapshot suitable for persisting on the task.
package ratelimitpause

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MinBackoff is the floor added to "now" when no prior or
	// error-supplied resume time pushes the pause out further.
	MinBackoff = 60 * time.Second

	// SafetyBuffer pads the computed resume time to absorb clock skew
	// between this process and the host's rate-limit window.
	SafetyBuffer = 2 * time.Second

	// MaxJitter bounds the deterministic jitter window.
	MaxJitter = 5 * time.Second

	snapshotMessageMaxLen = 400
)

// Error is the subset of a host rate-limit error this package needs.
type Error struct {
	Status       int
	RequestID    string // empty if the host didn't supply one
	ResumeAtTs   *time.Time
	Message      string
	ResponseText string
}

// Snapshot is the bounded, secret-redacted record persisted on the task.
type Snapshot struct {
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage"`
	Status    int       `json:"status"`
	RequestID *string   `json:"requestId"`
	ResumeAt  time.Time `json:"resumeAt"`
	Message   string    `json:"message"`
}

// Result is what the worker applies to the task on a rate-limit pause.
type Result struct {
	ResumeAt time.Time
	Snapshot Snapshot
}

// Compute derives the next resume-at time and snapshot for a rate-limit
// error encountered at stage, given the task's current resume-at (the
// zero time if none) and now.
func Compute(err Error, stage string, priorResumeAt time.Time, now time.Time) Result {
	base := now.Add(MinBackoff)
	if !priorResumeAt.IsZero() && priorResumeAt.After(base) {
		base = priorResumeAt
	}
	if err.ResumeAtTs != nil && err.ResumeAtTs.After(base) {
		base = *err.ResumeAtTs
	}
	base = base.Add(SafetyBuffer)

	seed := strings.Join([]string{err.RequestID, stage, "github-rate-limit"}, "|")
	resumeAt := base.Add(jitter(seed))

	var requestID *string
	if err.RequestID != "" {
		requestID = &err.RequestID
	}

	return Result{
		ResumeAt: resumeAt,
		Snapshot: Snapshot{
			Kind:      "github-rate-limit",
			Stage:     stage,
			Status:    err.Status,
			RequestID: requestID,
			ResumeAt:  resumeAt,
			Message:   truncate(err.Message, snapshotMessageMaxLen),
		},
	}
}

// jitter derives a deterministic value in [0, MaxJitter) from seed, per
// the spec's reproducibility requirement for rate-limit pause math —
// the same technique used for circuit-breaker backoff jitter.
func jitter(seed string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	maxMs := MaxJitter.Milliseconds()
	return time.Duration(int64(h.Sum32())%maxMs) * time.Millisecond
}

// truncate bounds s to max bytes without splitting a rune. It normalizes
// to NFC first so a composed form is measured (and cut) the same way
// regardless of how the host sent the message; a combining mark with no
// precomposed form stays a separate rune and can be cut off from its
// base.
func truncate(s string, max int) string {
	s = norm.NFC.String(s)
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return runeSafeCut(s, max)
	}
	return fmt.Sprintf("%s...", runeSafeCut(s, max-3))
}

func runeSafeCut(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
