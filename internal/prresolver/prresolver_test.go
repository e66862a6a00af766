package prresolver

import (
	"context"
	"testing"
	"time"

	"github.com/ralph-fleet/ralphd/internal/hostclient"
	"github.com/stretchr/testify/require"
)

// fakeHost implements hostclient.HostClient with only the methods this
// package's tests exercise; every other method panics if called.
type fakeHost struct {
	viewByNumber map[int]*hostclient.PullRequest
	searchResult []hostclient.PullRequest
	searchErr    error
}

func (f *fakeHost) ViewPullRequest(ctx context.Context, repo string, number int) (*hostclient.PullRequest, error) {
	pr, ok := f.viewByNumber[number]
	if !ok {
		return nil, &hostclient.Error{Kind: hostclient.ErrKindNotFound}
	}
	return pr, nil
}

func (f *fakeHost) SearchPullRequests(ctx context.Context, repo, query string) ([]hostclient.PullRequest, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResult, nil
}

func (f *fakeHost) GetIssue(ctx context.Context, repo string, number int) (*hostclient.Issue, error) {
	panic("not used")
}
func (f *fakeHost) SearchIssueComments(ctx context.Context, repo string, number int, marker string) ([]hostclient.Comment, error) {
	panic("not used")
}
func (f *fakeHost) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*hostclient.Comment, error) {
	panic("not used")
}
func (f *fakeHost) PatchIssueComment(ctx context.Context, repo string, commentID int64, body string) error {
	panic("not used")
}
func (f *fakeHost) ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	panic("not used")
}
func (f *fakeHost) AddIssueLabel(ctx context.Context, repo string, number int, label string) error {
	panic("not used")
}
func (f *fakeHost) RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error {
	panic("not used")
}
func (f *fakeHost) GetBranchProtection(ctx context.Context, repo, branch string) (*hostclient.BranchProtection, error) {
	panic("not used")
}
func (f *fakeHost) PutBranchProtection(ctx context.Context, repo, branch string, protection hostclient.BranchProtection) error {
	panic("not used")
}
func (f *fakeHost) GetCheckRuns(ctx context.Context, repo, ref string) ([]hostclient.CheckRun, error) {
	panic("not used")
}
func (f *fakeHost) GetCommitStatus(ctx context.Context, repo, ref string) ([]hostclient.CommitStatus, error) {
	panic("not used")
}
func (f *fakeHost) CreateRef(ctx context.Context, repo, ref, sha string) error { panic("not used") }
func (f *fakeHost) GetRef(ctx context.Context, repo, ref string) (string, error) {
	panic("not used")
}
func (f *fakeHost) GetPullRequestChecks(ctx context.Context, repo string, number int) ([]hostclient.CheckRun, error) {
	panic("not used")
}
func (f *fakeHost) GetPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error) {
	panic("not used")
}
func (f *fakeHost) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	panic("not used")
}
func (f *fakeHost) MergePullRequest(ctx context.Context, repo string, number int, method string) error {
	panic("not used")
}

var _ hostclient.HostClient = (*fakeHost)(nil)

func TestResolve_PrefersDBCandidateOverHostOnlyMatch(t *testing.T) {
	host := &fakeHost{
		viewByNumber: map[int]*hostclient.PullRequest{
			10: {Number: 10, URL: "https://github.com/acme/widgets/pull/10", State: "OPEN", UpdatedAt: time.Now()},
		},
		searchResult: []hostclient.PullRequest{
			{Number: 11, URL: "https://github.com/acme/widgets/pull/11", State: "OPEN", UpdatedAt: time.Now().Add(time.Hour)},
		},
	}
	r := New(host, NewCache(0))

	res, err := r.Resolve(context.Background(), "acme/widgets", 42,
		[]DBCandidate{{URL: "https://github.com/acme/widgets/pull/10"}}, Options{})
	require.NoError(t, err)
	require.Equal(t, 10, res.Selected.Number)
	require.Len(t, res.Duplicates, 1)
	require.Equal(t, 11, res.Duplicates[0].Number)
}

func TestResolve_FallsBackToHostSearchWhenNoDBCandidates(t *testing.T) {
	host := &fakeHost{
		searchResult: []hostclient.PullRequest{
			{Number: 7, URL: "https://github.com/acme/widgets/pull/7", State: "OPEN", UpdatedAt: time.Now()},
		},
	}
	r := New(host, NewCache(0))

	res, err := r.Resolve(context.Background(), "acme/widgets", 42, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, 7, res.Selected.Number)
}

func TestResolve_CachesUntilFreshRequested(t *testing.T) {
	host := &fakeHost{
		searchResult: []hostclient.PullRequest{
			{Number: 7, URL: "https://github.com/acme/widgets/pull/7", State: "OPEN", UpdatedAt: time.Now()},
		},
	}
	r := New(host, NewCache(time.Minute))

	_, err := r.Resolve(context.Background(), "acme/widgets", 42, nil, Options{})
	require.NoError(t, err)

	// Change the host's answer; a cached call must not see it.
	host.searchResult = []hostclient.PullRequest{
		{Number: 9, URL: "https://github.com/acme/widgets/pull/9", State: "OPEN", UpdatedAt: time.Now()},
	}
	cached, err := r.Resolve(context.Background(), "acme/widgets", 42, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, 7, cached.Selected.Number)

	fresh, err := r.Resolve(context.Background(), "acme/widgets", 42, nil, Options{Fresh: true})
	require.NoError(t, err)
	require.Equal(t, 9, fresh.Selected.Number)
}

func TestResolve_NoOpenCandidatesReturnsError(t *testing.T) {
	host := &fakeHost{}
	r := New(host, NewCache(0))

	_, err := r.Resolve(context.Background(), "acme/widgets", 42, nil, Options{})
	require.Error(t, err)
}

func TestResolve_TieBreaksByURLSortWhenUpdatedAtEqual(t *testing.T) {
	ts := time.Now()
	host := &fakeHost{
		searchResult: []hostclient.PullRequest{
			{Number: 20, URL: "https://github.com/acme/widgets/pull/20", State: "OPEN", UpdatedAt: ts},
			{Number: 5, URL: "https://github.com/acme/widgets/pull/5", State: "OPEN", UpdatedAt: ts},
		},
	}
	r := New(host, NewCache(0))

	res, err := r.Resolve(context.Background(), "acme/widgets", 42, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, 20, res.Selected.Number) // "pull/20" < "pull/5" lexically
}
