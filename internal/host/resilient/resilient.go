// Package resilient wraps a hostclient.HostClient with a per-repo
// sony/gobreaker circuit breaker so a wedged forge host (hanging
// connections, a string of 5xxs) trips independently per repository
// instead of one bad repo starving every other repo's dispatch.
//
// This is deliberately a different mechanism from internal/circuitbreaker
// (Component G): that one opens on a per-(repo,issue,fingerprint) failure
// pattern to stop re-running a doomed task; this one protects the
// outbound transport itself, the way kubernaut's per-channel delivery
// breaker isolates one notification channel from another.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/ralph-fleet/ralphd/internal/hostclient"
)

// Settings controls every per-repo breaker this package creates.
type Settings struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold uint32
}

// DefaultSettings trips after 5 consecutive failures and probes again
// after 30s, matching the host's own rate-limit reset cadence closely
// enough to avoid compounding a throttling incident.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:   1,
		Interval:      time.Minute,
		Timeout:       30 * time.Second,
		FailThreshold: 5,
	}
}

// Client wraps a hostclient.HostClient, tripping a breaker per repo.
type Client struct {
	inner    hostclient.HostClient
	settings Settings
	onTrip   func(repo string, to gobreaker.State)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a resilient Client. onTrip, if non-nil, is called on every
// breaker state change for metrics/logging; it may be nil.
func New(inner hostclient.HostClient, settings Settings, onTrip func(repo string, to gobreaker.State)) *Client {
	return &Client{
		inner:    inner,
		settings: settings,
		onTrip:   onTrip,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(repo string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[repo]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        repo,
		MaxRequests: c.settings.MaxRequests,
		Interval:    c.settings.Interval,
		Timeout:     c.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.settings.FailThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if c.onTrip != nil {
				c.onTrip(name, to)
			}
		},
	})
	c.breakers[repo] = b
	return b
}

func call[T any](c *Client, repo string, fn func() (T, error)) (T, error) {
	b := c.breakerFor(repo)
	result, err := b.Execute(func() (any, error) { return retryTransientOnce(fn) })
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, fmt.Errorf("host circuit open for %s: %w", repo, err)
		}
		return zero, err
	}
	return result.(T), nil
}

// retryTransientOnce retries fn a single bounded time when it fails
// with a 5xx hostclient.Error, the Transient I/O error class this
// client is allowed to paper over. Any other error (not found,
// forbidden, rate limit) is permanent on the first attempt, since
// retrying those wastes the breaker's failure budget for nothing.
func retryTransientOnce[T any](fn func() (T, error)) (T, error) {
	var result T
	op := func() error {
		var err error
		result, err = fn()
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	err := backoff.Retry(op, backoff.WithMaxRetries(bo, 1))
	return result, err
}

func isTransient(err error) bool {
	var herr *hostclient.Error
	if !errors.As(err, &herr) {
		return false
	}
	return herr.Status >= 500 && herr.Status < 600
}

func callVoid(c *Client, repo string, fn func() error) error {
	_, err := call(c, repo, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*hostclient.Issue, error) {
	return call(c, repo, func() (*hostclient.Issue, error) { return c.inner.GetIssue(ctx, repo, number) })
}

func (c *Client) SearchIssueComments(ctx context.Context, repo string, number int, marker string) ([]hostclient.Comment, error) {
	return call(c, repo, func() ([]hostclient.Comment, error) { return c.inner.SearchIssueComments(ctx, repo, number, marker) })
}

func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*hostclient.Comment, error) {
	return call(c, repo, func() (*hostclient.Comment, error) { return c.inner.CreateIssueComment(ctx, repo, number, body) })
}

func (c *Client) PatchIssueComment(ctx context.Context, repo string, commentID int64, body string) error {
	return callVoid(c, repo, func() error { return c.inner.PatchIssueComment(ctx, repo, commentID, body) })
}

func (c *Client) ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	return call(c, repo, func() ([]string, error) { return c.inner.ListIssueLabels(ctx, repo, number) })
}

func (c *Client) AddIssueLabel(ctx context.Context, repo string, number int, label string) error {
	return callVoid(c, repo, func() error { return c.inner.AddIssueLabel(ctx, repo, number, label) })
}

func (c *Client) RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error {
	return callVoid(c, repo, func() error { return c.inner.RemoveIssueLabel(ctx, repo, number, label) })
}

func (c *Client) GetBranchProtection(ctx context.Context, repo, branch string) (*hostclient.BranchProtection, error) {
	return call(c, repo, func() (*hostclient.BranchProtection, error) { return c.inner.GetBranchProtection(ctx, repo, branch) })
}

func (c *Client) PutBranchProtection(ctx context.Context, repo, branch string, protection hostclient.BranchProtection) error {
	return callVoid(c, repo, func() error { return c.inner.PutBranchProtection(ctx, repo, branch, protection) })
}

func (c *Client) GetCheckRuns(ctx context.Context, repo, ref string) ([]hostclient.CheckRun, error) {
	return call(c, repo, func() ([]hostclient.CheckRun, error) { return c.inner.GetCheckRuns(ctx, repo, ref) })
}

func (c *Client) GetCommitStatus(ctx context.Context, repo, ref string) ([]hostclient.CommitStatus, error) {
	return call(c, repo, func() ([]hostclient.CommitStatus, error) { return c.inner.GetCommitStatus(ctx, repo, ref) })
}

func (c *Client) CreateRef(ctx context.Context, repo, ref, sha string) error {
	return callVoid(c, repo, func() error { return c.inner.CreateRef(ctx, repo, ref, sha) })
}

func (c *Client) GetRef(ctx context.Context, repo, ref string) (string, error) {
	return call(c, repo, func() (string, error) { return c.inner.GetRef(ctx, repo, ref) })
}

func (c *Client) SearchPullRequests(ctx context.Context, repo, query string) ([]hostclient.PullRequest, error) {
	return call(c, repo, func() ([]hostclient.PullRequest, error) { return c.inner.SearchPullRequests(ctx, repo, query) })
}

func (c *Client) GetPullRequestChecks(ctx context.Context, repo string, number int) ([]hostclient.CheckRun, error) {
	return call(c, repo, func() ([]hostclient.CheckRun, error) { return c.inner.GetPullRequestChecks(ctx, repo, number) })
}

func (c *Client) GetPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error) {
	return call(c, repo, func() ([]string, error) { return c.inner.GetPullRequestFiles(ctx, repo, number) })
}

func (c *Client) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	return callVoid(c, repo, func() error { return c.inner.UpdatePullRequestBranch(ctx, repo, number) })
}

func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, method string) error {
	return callVoid(c, repo, func() error { return c.inner.MergePullRequest(ctx, repo, number, method) })
}

func (c *Client) ViewPullRequest(ctx context.Context, repo string, number int) (*hostclient.PullRequest, error) {
	return call(c, repo, func() (*hostclient.PullRequest, error) { return c.inner.ViewPullRequest(ctx, repo, number) })
}

var _ hostclient.HostClient = (*Client)(nil)
