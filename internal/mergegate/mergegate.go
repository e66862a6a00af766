// Package mergegate implements Component I: resolving required checks,
// ensuring branch protection, waiting out CI, and attempting the merge
// itself once a PR reaches pr_ready — plus its two escape hatches,
// merge-conflict recovery and CI-failure triage.
package mergegate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ralph-fleet/ralphd/internal/hostclient"
	"github.com/ralph-fleet/ralphd/internal/logfields"
)

// Config holds the operator-tunable knobs referenced by §4.I.
type Config struct {
	RequiredChecksOverride  []string
	BotBranch               string
	DefaultBranch           string
	MainMergeAllowedLabel   string
	DeferRetryMs            int64
	MaxPollMs               int64
	MergeConflictMaxAttempts int
	CIRemediationMaxAttempts int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MainMergeAllowedLabel:    "main-merge-allowed",
		DeferRetryMs:             30_000,
		MaxPollMs:                10 * 60 * 1000,
		MergeConflictMaxAttempts: 2,
		CIRemediationMaxAttempts: 5,
	}
}

// Gate drives one PR from pr_ready through merge (or a terminal escape
// hatch), delegating every host call to host.
type Gate struct {
	host   hostclient.HostClient
	cfg    Config
	log    *slog.Logger
	memo   map[string][]string // repo -> resolved required-check contexts, per worker lifetime
}

// New builds a Gate.
func New(host hostclient.HostClient, cfg Config, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{host: host, cfg: cfg, log: log, memo: make(map[string][]string)}
}

// ResolveRequiredChecks implements step 1: config override > bot-branch
// protection contexts > default-branch protection contexts > empty.
// Memoized per repo for the worker's lifetime.
func (g *Gate) ResolveRequiredChecks(ctx context.Context, repo string) ([]string, error) {
	if cached, ok := g.memo[repo]; ok {
		return cached, nil
	}
	if len(g.cfg.RequiredChecksOverride) > 0 {
		g.memo[repo] = g.cfg.RequiredChecksOverride
		return g.memo[repo], nil
	}
	if g.cfg.BotBranch != "" {
		prot, err := g.host.GetBranchProtection(ctx, repo, g.cfg.BotBranch)
		if err == nil && len(prot.RequiredStatusChecks) > 0 {
			g.memo[repo] = prot.RequiredStatusChecks
			return g.memo[repo], nil
		}
	}
	if g.cfg.DefaultBranch != "" {
		prot, err := g.host.GetBranchProtection(ctx, repo, g.cfg.DefaultBranch)
		if err == nil && len(prot.RequiredStatusChecks) > 0 {
			g.memo[repo] = prot.RequiredStatusChecks
			return g.memo[repo], nil
		}
	}
	g.memo[repo] = nil
	return nil, nil
}

// EnsureBranchProtectionResult is step 2's outcome.
type EnsureBranchProtectionResult struct {
	Deferred bool
	Missing  []string
}

// EnsureBranchProtection implements step 2. If there's no override, there
// is nothing to enforce and it's a no-op.
func (g *Gate) EnsureBranchProtection(ctx context.Context, repo string, required []string) (EnsureBranchProtectionResult, error) {
	if len(required) == 0 || g.cfg.BotBranch == "" {
		return EnsureBranchProtectionResult{}, nil
	}
	current, err := g.host.GetBranchProtection(ctx, repo, g.cfg.BotBranch)
	if err != nil {
		return EnsureBranchProtectionResult{}, err
	}
	missing := missingContexts(required, current.RequiredStatusChecks)
	if len(missing) > 0 {
		g.log.Warn("required checks missing on bot branch, deferring",
			logfields.Repo(repo), slog.Any("missing", missing))
		return EnsureBranchProtectionResult{Deferred: true, Missing: missing}, nil
	}
	err = g.host.PutBranchProtection(ctx, repo, g.cfg.BotBranch, hostclient.BranchProtection{
		RequiredStatusChecks: required,
		Strict:               true,
		EnforceAdmins:        true,
	})
	return EnsureBranchProtectionResult{}, err
}

func missingContexts(required, available []string) []string {
	have := make(map[string]bool, len(available))
	for _, a := range available {
		have[a] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// MayMergeIntoBase implements step 3: refuse a merge into the default
// branch from a non-bot base unless the override label is present.
func MayMergeIntoBase(baseBranch, botBranch, defaultBranch string, labels []string, overrideLabel string) bool {
	if baseBranch == botBranch {
		return true
	}
	if baseBranch != defaultBranch {
		return true
	}
	for _, l := range labels {
		if l == overrideLabel {
			return true
		}
	}
	return false
}

// ChecksOutcome is what WaitForRequiredChecks resolved to.
type ChecksOutcome string

const (
	ChecksAllSuccess ChecksOutcome = "all-success"
	ChecksDirty      ChecksOutcome = "dirty"
	ChecksTimedOut   ChecksOutcome = "timed-out"
	ChecksFailed     ChecksOutcome = "failed"
)

// WaitForRequiredChecks implements step 4's polling loop (bounded by
// MaxPollMs, jittered) — the caller supplies the clock and sleep so this
// stays deterministic under test.
func (g *Gate) WaitForRequiredChecks(ctx context.Context, repo string, prNumber int, required []string, now func() time.Time, sleep func(time.Duration)) (ChecksOutcome, []hostclient.CheckRun, error) {
	deadline := now().Add(time.Duration(g.cfg.MaxPollMs) * time.Millisecond)
	pollInterval := 5 * time.Second
	for {
		pr, err := g.host.ViewPullRequest(ctx, repo, prNumber)
		if err != nil {
			return "", nil, err
		}
		if pr.MergeableState == "DIRTY" {
			return ChecksDirty, nil, nil
		}
		runs, err := g.host.GetPullRequestChecks(ctx, repo, prNumber)
		if err != nil {
			return "", nil, err
		}
		switch summarizeRequired(required, runs) {
		case requiredAllSuccess:
			return ChecksAllSuccess, runs, nil
		case requiredAnyFailed:
			return ChecksFailed, runs, nil
		}
		if now().After(deadline) {
			return ChecksTimedOut, runs, nil
		}
		sleep(jitteredPoll(pollInterval, prNumber))
	}
}

type requiredSummary int

const (
	requiredPending requiredSummary = iota
	requiredAllSuccess
	requiredAnyFailed
)

func summarizeRequired(required []string, runs []hostclient.CheckRun) requiredSummary {
	byName := make(map[string]hostclient.CheckRun, len(runs))
	for _, r := range runs {
		byName[r.Name] = r
	}
	allSuccess := true
	for _, name := range required {
		run, ok := byName[name]
		if !ok || run.Status != "completed" {
			allSuccess = false
			continue
		}
		if run.Conclusion == "failure" || run.Conclusion == "timed_out" {
			return requiredAnyFailed
		}
		if run.Conclusion != "success" && run.Conclusion != "neutral" && run.Conclusion != "skipped" {
			allSuccess = false
		}
	}
	if allSuccess {
		return requiredAllSuccess
	}
	return requiredPending
}

func jitteredPoll(base time.Duration, seed int) time.Duration {
	jitterMs := int64(seed*2654435761) % 1000 // FNV-ish spread, deterministic in seed
	if jitterMs < 0 {
		jitterMs = -jitterMs
	}
	return base + time.Duration(jitterMs)*time.Millisecond
}

// AttemptMerge implements the merge half of step 4/5: on a BEHIND status
// it updates the branch first; it retries once on the two named
// transient host errors.
func (g *Gate) AttemptMerge(ctx context.Context, repo string, prNumber int, mergeableState, method string) error {
	if mergeableState == "BEHIND" {
		if err := g.host.UpdatePullRequestBranch(ctx, repo, prNumber); err != nil {
			return fmt.Errorf("mergegate: update branch: %w", err)
		}
	}
	err := g.host.MergePullRequest(ctx, repo, prNumber, method)
	if err == nil {
		return nil
	}
	if isTransientMergeConflict(err) {
		return g.host.MergePullRequest(ctx, repo, prNumber, method)
	}
	return err
}

func isTransientMergeConflict(err error) bool {
	he, ok := err.(*hostclient.Error)
	if !ok {
		return false
	}
	msg := strings.ToLower(he.Message)
	return strings.Contains(msg, "base branch was modified") || strings.Contains(msg, "required status check")
}

// CheckSignature computes a v2 failure signature: a stable hash of
// sorted {checkName, rawState, runId} tuples, for Component I-CI triage.
func CheckSignature(runs []hostclient.CheckRun) string {
	type tuple struct{ name, state string; runID int64 }
	tuples := make([]tuple, 0, len(runs))
	for _, r := range runs {
		tuples = append(tuples, tuple{name: r.Name, state: r.Conclusion, runID: r.RunID})
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].name != tuples[j].name {
			return tuples[i].name < tuples[j].name
		}
		if tuples[i].state != tuples[j].state {
			return tuples[i].state < tuples[j].state
		}
		return tuples[i].runID < tuples[j].runID
	})
	var b strings.Builder
	for _, t := range tuples {
		fmt.Fprintf(&b, "%s|%s|%d;", t.name, t.state, t.runID)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// TriageAction is the verdict CI-failure triage returns.
type TriageAction string

const (
	ActionResume     TriageAction = "resume"
	ActionCIDebug    TriageAction = "ci-debug"
	ActionQuarantine TriageAction = "quarantine"
)

// TriageDecision is {classification, action, actionReason} from §4.I-CI.
type TriageDecision struct {
	Classification string
	Action         TriageAction
	ActionReason   string
}

// Triage classifies a set of failing required checks. seenSignatures is
// the occurrence history for this issue (cap 20, oldest-first); attempts
// is how many ci-debug iterations have already run for the current
// signature.
func Triage(signature string, seenSignatures []string, attempts, maxAttempts int) TriageDecision {
	occurrences := 0
	for _, s := range seenSignatures {
		if s == signature {
			occurrences++
		}
	}
	switch {
	case occurrences == 0:
		return TriageDecision{Classification: "first-occurrence", Action: ActionResume, ActionReason: "first time seeing this failure signature"}
	case attempts >= maxAttempts:
		return TriageDecision{Classification: "repeat-exhausted", Action: ActionQuarantine, ActionReason: fmt.Sprintf("ci-debug exhausted %d attempts", maxAttempts)}
	default:
		return TriageDecision{Classification: "repeat", Action: ActionCIDebug, ActionReason: "failure signature recurred, escalating to a dedicated debug worktree"}
	}
}
