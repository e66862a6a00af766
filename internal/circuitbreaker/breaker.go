// Package circuitbreaker implements Component G: per-issue repeat-failure
// damping. Four or more failures with the same normalized reason inside a
// sliding window open the circuit; a quiet window lets it cool back down.
package circuitbreaker

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// DecisionKind is the verdict RecordFailure returns.
type DecisionKind string

const (
	DecisionNone    DecisionKind = "none"
	DecisionBackoff DecisionKind = "backoff"
	DecisionOpen    DecisionKind = "open"
)

// Decision is the outcome of one RecordFailure call.
type Decision struct {
	Kind    DecisionKind
	Count   int
	DelayMs int64 // meaningful for DecisionBackoff
	Opened  bool  // true once this fingerprint has reached OpenAfter; cleared when its window fully drains
}

// Params are the env-overridable circuit-breaker tunables.
type Params struct {
	Window      time.Duration
	OpenAfter   int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      time.Duration
}

// DefaultParams returns the spec defaults, each overridable by its
// RALPH_CB_* environment variable.
func DefaultParams() Params {
	p := Params{
		Window:      10 * time.Minute,
		OpenAfter:   4,
		BackoffBase: 15 * time.Second,
		BackoffCap:  5 * time.Minute,
		Jitter:      5 * time.Second,
	}
	p.Window = envDuration("RALPH_CB_WINDOW", p.Window)
	p.OpenAfter = envInt("RALPH_CB_OPEN_AFTER", p.OpenAfter)
	p.BackoffBase = envDuration("RALPH_CB_BACKOFF_BASE", p.BackoffBase)
	p.BackoffCap = envDuration("RALPH_CB_BACKOFF_CAP", p.BackoffCap)
	p.Jitter = envDuration("RALPH_CB_JITTER", p.Jitter)
	return p
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

type key struct {
	repo        string
	issueNumber int
	fingerprint string
}

// Breaker owns every fingerprint's sliding window for the process
// lifetime of the daemon; there is no process-wide singleton, per §9 —
// the worker that constructs one is its sole owner.
type Breaker struct {
	params Params

	mu     sync.Mutex
	states map[key]*ralphtypes.CircuitBreakerState
}

// New constructs a Breaker with the given parameters.
func New(params Params) *Breaker {
	return &Breaker{params: params, states: make(map[key]*ralphtypes.CircuitBreakerState)}
}

// RecordFailure records a failure for (repo, issueNumber) with the given
// raw reason at nowMs (Unix milliseconds), and returns the resulting
// decision.
func (b *Breaker) RecordFailure(repo string, issueNumber int, reason string, nowMs int64) Decision {
	fp := NormalizeReason(reason)
	k := key{repo: repo, issueNumber: issueNumber, fingerprint: fp}
	now := time.UnixMilli(nowMs)

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[k]
	if !ok {
		state = &ralphtypes.CircuitBreakerState{}
		b.states[k] = state
	}

	kept := state.FailureTimestamps[:0]
	for _, ts := range state.FailureTimestamps {
		if now.Sub(ts) < b.params.Window {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		// Quiescence: the window has fully drained, so this fingerprint
		// starts fresh even if it was previously opened.
		state.Opened = false
	}
	state.FailureTimestamps = append(kept, now)
	count := len(state.FailureTimestamps)

	if state.Opened {
		delay := backoffDelay(b.params, count)
		jittered := delay + jitterFor(b.params.Jitter, repo, issueNumber, fp, count)
		return Decision{Kind: DecisionBackoff, Count: count, DelayMs: jittered, Opened: true}
	}

	if count >= b.params.OpenAfter {
		state.Opened = true
		return Decision{Kind: DecisionOpen, Count: count, Opened: true}
	}

	if count <= 1 {
		return Decision{Kind: DecisionNone, Count: count}
	}

	delay := backoffDelay(b.params, count)
	jittered := delay + jitterFor(b.params.Jitter, repo, issueNumber, fp, count)
	return Decision{Kind: DecisionBackoff, Count: count, DelayMs: jittered}
}

// OpenCountByRepo returns, for each repo with at least one open
// fingerprint, how many distinct (issue, fingerprint) circuits are
// currently open. Used by the HTTP status surface's breaker summary;
// the pipeline itself never calls this.
func (b *Breaker) OpenCountByRepo() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int)
	for k, state := range b.states {
		if state.Opened {
			out[k.repo]++
		}
	}
	return out
}

// ClearIssue wipes every fingerprint tracked for (repo, issueNumber). The
// worker calls this on the first success after any failures.
func (b *Breaker) ClearIssue(repo string, issueNumber int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.states {
		if k.repo == repo && k.issueNumber == issueNumber {
			delete(b.states, k)
		}
	}
}

// backoffDelay computes base*2^(count-2) clamped to cap, for count >= 2.
func backoffDelay(p Params, count int) int64 {
	if count < 2 {
		return 0
	}
	exp := count - 2
	delay := p.BackoffBase.Milliseconds()
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= p.BackoffCap.Milliseconds() {
			return p.BackoffCap.Milliseconds()
		}
	}
	if delay > p.BackoffCap.Milliseconds() {
		return p.BackoffCap.Milliseconds()
	}
	return delay
}

// jitterFor derives a deterministic jitter amount in [0, jitter] from the
// stable seed repo|issue|fingerprint|count, per §9's reproducibility
// requirement.
func jitterFor(jitter time.Duration, repo string, issueNumber int, fingerprint string, count int) int64 {
	maxMs := jitter.Milliseconds()
	if maxMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s|%d|%s|%d", repo, issueNumber, fingerprint, count)
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return int64(h.Sum32()) % (maxMs + 1)
}
