// Package hostclient defines the abstract forge-host contract every
// pipeline stage, the merge gate, and the PR resolver depend on, plus the
// error taxonomy every concrete adapter must surface. This mirrors the
// teacher's internal/forge.Client split — one interface, several
// concrete bindings — generalized from repository discovery to issue,
// PR, check-run, and branch-protection operations.
package hostclient

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a host error into the taxonomy the worker's
// recovery logic switches on (§7).
type ErrorKind string

const (
	ErrKindRateLimit ErrorKind = "rate_limit"
	ErrKindNotFound  ErrorKind = "not_found"
	ErrKindConflict  ErrorKind = "conflict"
	ErrKindForbidden ErrorKind = "forbidden"
	ErrKindOther     ErrorKind = "other"
)

// Error is the common shape every HostClient method returns on failure.
type Error struct {
	Kind         ErrorKind
	Status       int
	RequestID    string
	ResumeAtTs   *time.Time // set by the host on a rate_limit error, if known
	Message      string
	ResponseText string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("host error [%s] status=%d request=%s: %s", e.Kind, e.Status, e.RequestID, e.Message)
	}
	return fmt.Sprintf("host error [%s] status=%d: %s", e.Kind, e.Status, e.Message)
}

// IsRateLimit reports whether err is (or wraps) a rate_limit host Error.
func IsRateLimit(err error) (*Error, bool) {
	var he *Error
	if !errors.As(err, &he) || he == nil {
		return nil, false
	}
	return he, he.Kind == ErrKindRateLimit
}

// Issue is the subset of an upstream issue the pipeline needs.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string
	Labels []string
}

// Comment is an issue or PR comment.
type Comment struct {
	ID        int64
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BranchProtection is the subset of branch-protection state the merge
// gate resolves and (re)writes.
type BranchProtection struct {
	RequiredStatusChecks []string
	Strict               bool
	EnforceAdmins        bool
}

// CheckRun is one required-check result.
type CheckRun struct {
	Name       string
	Status     string // queued|in_progress|completed
	Conclusion string // success|failure|neutral|cancelled|skipped|...
	RunID      int64
	RunURL     string
}

// CommitStatus is a legacy (non-checks-API) commit status entry.
type CommitStatus struct {
	Context string
	State   string // pending|success|failure|error
}

// PullRequest is the subset of PR state the resolver and merge gate need.
type PullRequest struct {
	Number            int
	URL               string
	State             string // OPEN|CLOSED|MERGED
	HeadSHA           string
	HeadRef           string
	BaseRef           string
	MergeableState    string // CLEAN|DIRTY|BLOCKED|BEHIND|UNKNOWN|...
	UpdatedAt         time.Time
	RequiredCheckRuns []CheckRun
}

// HostClient is the abstract forge-host contract (§6). A concrete
// implementation (e.g. internal/host/github) adapts it to one host's
// REST or GraphQL API.
type HostClient interface {
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	SearchIssueComments(ctx context.Context, repo string, number int, marker string) ([]Comment, error)
	CreateIssueComment(ctx context.Context, repo string, number int, body string) (*Comment, error)
	PatchIssueComment(ctx context.Context, repo string, commentID int64, body string) error
	ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error)
	AddIssueLabel(ctx context.Context, repo string, number int, label string) error
	RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error

	GetBranchProtection(ctx context.Context, repo, branch string) (*BranchProtection, error)
	PutBranchProtection(ctx context.Context, repo, branch string, protection BranchProtection) error

	GetCheckRuns(ctx context.Context, repo, ref string) ([]CheckRun, error)
	GetCommitStatus(ctx context.Context, repo, ref string) ([]CommitStatus, error)

	CreateRef(ctx context.Context, repo, ref, sha string) error
	GetRef(ctx context.Context, repo, ref string) (string, error)

	SearchPullRequests(ctx context.Context, repo, query string) ([]PullRequest, error)
	GetPullRequestChecks(ctx context.Context, repo string, number int) ([]CheckRun, error)
	GetPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error)
	UpdatePullRequestBranch(ctx context.Context, repo string, number int) error
	MergePullRequest(ctx context.Context, repo string, number int, method string) error
	ViewPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
}
