// Package github adapts hostclient.HostClient to the real GitHub v3 REST
// API via google/go-github, the one concrete HostClient binding this
// repository ships. Every error is translated into hostclient.Error so
// callers switch on the shared taxonomy instead of go-github's own
// *github.ErrorResponse/*github.RateLimitError types.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/ralph-fleet/ralphd/internal/hostclient"
)

// Client implements hostclient.HostClient against api.github.com (or a
// GitHub Enterprise base URL).
type Client struct {
	gh *gogithub.Client
}

// New wraps an already-authenticated go-github client. Callers construct
// gh with gogithub.NewClient(httpClient).WithAuthToken(token) (or the
// Enterprise variant); this package owns no transport/auth concerns.
func New(gh *gogithub.Client) *Client {
	return &Client{gh: gh}
}

func splitRepo(repo string) (owner, name string) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return repo, ""
	}
	return parts[0], parts[1]
}

// translateErr converts any go-github error into *hostclient.Error.
func translateErr(err error, resp *gogithub.Response) error {
	if err == nil {
		return nil
	}

	status := 0
	requestID := ""
	responseText := ""
	if resp != nil {
		status = resp.StatusCode
		requestID = resp.Header.Get("X-GitHub-Request-Id")
	}

	if rlErr, ok := err.(*gogithub.RateLimitError); ok {
		resumeAt := rlErr.Rate.Reset.Time
		return &hostclient.Error{
			Kind:         hostclient.ErrKindRateLimit,
			Status:       http.StatusForbidden,
			RequestID:    requestID,
			ResumeAtTs:   &resumeAt,
			Message:      rlErr.Message,
			ResponseText: responseText,
		}
	}
	if abErr, ok := err.(*gogithub.AbuseRateLimitError); ok {
		kind := hostclient.ErrKindRateLimit
		var resumeAt *time.Time
		if abErr.RetryAfter != nil {
			t := time.Now().Add(*abErr.RetryAfter)
			resumeAt = &t
		}
		return &hostclient.Error{
			Kind:       kind,
			Status:     http.StatusForbidden,
			RequestID:  requestID,
			ResumeAtTs: resumeAt,
			Message:    abErr.Message,
		}
	}

	kind := hostclient.ErrKindOther
	switch status {
	case http.StatusNotFound:
		kind = hostclient.ErrKindNotFound
	case http.StatusConflict:
		kind = hostclient.ErrKindConflict
	case http.StatusForbidden:
		kind = hostclient.ErrKindForbidden
	}

	msg := err.Error()
	if ghErr, ok := err.(*gogithub.ErrorResponse); ok {
		msg = ghErr.Message
	}

	return &hostclient.Error{
		Kind:         kind,
		Status:       status,
		RequestID:    requestID,
		Message:      msg,
		ResponseText: responseText,
	}
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*hostclient.Issue, error) {
	owner, name := splitRepo(repo)
	issue, resp, err := c.gh.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &hostclient.Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		Labels: labels,
	}, nil
}

func (c *Client) SearchIssueComments(ctx context.Context, repo string, number int, marker string) ([]hostclient.Comment, error) {
	owner, name := splitRepo(repo)
	comments, resp, err := c.gh.Issues.ListComments(ctx, owner, name, number, nil)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	var out []hostclient.Comment
	for _, cm := range comments {
		if marker != "" && !strings.Contains(cm.GetBody(), marker) {
			continue
		}
		out = append(out, hostclient.Comment{
			ID:        cm.GetID(),
			Body:      cm.GetBody(),
			CreatedAt: cm.GetCreatedAt().Time,
			UpdatedAt: cm.GetUpdatedAt().Time,
		})
	}
	return out, nil
}

func (c *Client) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*hostclient.Comment, error) {
	owner, name := splitRepo(repo)
	cm, resp, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{Body: &body})
	if err != nil {
		return nil, translateErr(err, resp)
	}
	return &hostclient.Comment{ID: cm.GetID(), Body: cm.GetBody(), CreatedAt: cm.GetCreatedAt().Time, UpdatedAt: cm.GetUpdatedAt().Time}, nil
}

func (c *Client) PatchIssueComment(ctx context.Context, repo string, commentID int64, body string) error {
	owner, name := splitRepo(repo)
	_, resp, err := c.gh.Issues.EditComment(ctx, owner, name, commentID, &gogithub.IssueComment{Body: &body})
	return translateErr(err, resp)
}

func (c *Client) ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	owner, name := splitRepo(repo)
	labels, resp, err := c.gh.Issues.ListLabelsByIssue(ctx, owner, name, number, nil)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.GetName())
	}
	return out, nil
}

func (c *Client) AddIssueLabel(ctx context.Context, repo string, number int, label string) error {
	owner, name := splitRepo(repo)
	_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, name, number, []string{label})
	return translateErr(err, resp)
}

func (c *Client) RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error {
	owner, name := splitRepo(repo)
	resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, name, number, label)
	return translateErr(err, resp)
}

func (c *Client) GetBranchProtection(ctx context.Context, repo, branch string) (*hostclient.BranchProtection, error) {
	owner, name := splitRepo(repo)
	prot, resp, err := c.gh.Repositories.GetBranchProtection(ctx, owner, name, branch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return &hostclient.BranchProtection{}, nil
		}
		return nil, translateErr(err, resp)
	}
	var contexts []string
	if prot.RequiredStatusChecks != nil {
		contexts = prot.RequiredStatusChecks.Contexts
	}
	return &hostclient.BranchProtection{
		RequiredStatusChecks: contexts,
		Strict:               prot.RequiredStatusChecks != nil && prot.RequiredStatusChecks.Strict,
		EnforceAdmins:        prot.EnforceAdmins != nil && prot.EnforceAdmins.Enabled,
	}, nil
}

func (c *Client) PutBranchProtection(ctx context.Context, repo, branch string, protection hostclient.BranchProtection) error {
	owner, name := splitRepo(repo)
	req := &gogithub.ProtectionRequest{
		RequiredStatusChecks: &gogithub.RequiredStatusChecks{
			Strict:   protection.Strict,
			Contexts: &protection.RequiredStatusChecks,
		},
		EnforceAdmins: protection.EnforceAdmins,
		RequiredPullRequestReviews: &gogithub.PullRequestReviewsEnforcementRequest{
			RequiredApprovingReviewCount: 0,
		},
	}
	_, resp, err := c.gh.Repositories.UpdateBranchProtection(ctx, owner, name, branch, req)
	return translateErr(err, resp)
}

func (c *Client) GetCheckRuns(ctx context.Context, repo, ref string) ([]hostclient.CheckRun, error) {
	owner, name := splitRepo(repo)
	result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, name, ref, nil)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	out := make([]hostclient.CheckRun, 0, len(result.CheckRuns))
	for _, cr := range result.CheckRuns {
		out = append(out, hostclient.CheckRun{
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
			RunID:      cr.GetID(),
			RunURL:     cr.GetHTMLURL(),
		})
	}
	return out, nil
}

func (c *Client) GetCommitStatus(ctx context.Context, repo, ref string) ([]hostclient.CommitStatus, error) {
	owner, name := splitRepo(repo)
	statuses, resp, err := c.gh.Repositories.ListStatuses(ctx, owner, name, ref, nil)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	out := make([]hostclient.CommitStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, hostclient.CommitStatus{Context: s.GetContext(), State: s.GetState()})
	}
	return out, nil
}

func (c *Client) CreateRef(ctx context.Context, repo, ref, sha string) error {
	owner, name := splitRepo(repo)
	_, resp, err := c.gh.Git.CreateRef(ctx, owner, name, &gogithub.Reference{
		Ref:    &ref,
		Object: &gogithub.GitObject{SHA: &sha},
	})
	return translateErr(err, resp)
}

func (c *Client) GetRef(ctx context.Context, repo, ref string) (string, error) {
	owner, name := splitRepo(repo)
	r, resp, err := c.gh.Git.GetRef(ctx, owner, name, ref)
	if err != nil {
		return "", translateErr(err, resp)
	}
	return r.GetObject().GetSHA(), nil
}

func (c *Client) SearchPullRequests(ctx context.Context, repo, query string) ([]hostclient.PullRequest, error) {
	full := fmt.Sprintf("repo:%s type:pr %s", repo, query)
	result, resp, err := c.gh.Search.Issues(ctx, full, &gogithub.SearchOptions{})
	if err != nil {
		return nil, translateErr(err, resp)
	}
	out := make([]hostclient.PullRequest, 0, len(result.Issues))
	for _, issue := range result.Issues {
		if issue.PullRequestLinks == nil {
			continue
		}
		state := strings.ToUpper(issue.GetState())
		out = append(out, hostclient.PullRequest{
			Number:    issue.GetNumber(),
			URL:       issue.GetHTMLURL(),
			State:     state,
			UpdatedAt: issue.GetUpdatedAt().Time,
		})
	}
	return out, nil
}

func (c *Client) GetPullRequestChecks(ctx context.Context, repo string, number int) ([]hostclient.CheckRun, error) {
	pr, err := c.ViewPullRequest(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	return c.GetCheckRuns(ctx, repo, pr.HeadSHA)
}

func (c *Client) GetPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error) {
	owner, name := splitRepo(repo)
	files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, number, nil)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.GetFilename())
	}
	return out, nil
}

func (c *Client) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	owner, name := splitRepo(repo)
	_, resp, err := c.gh.PullRequests.UpdateBranch(ctx, owner, name, number, nil)
	if err != nil && resp != nil && resp.StatusCode == http.StatusAccepted {
		return nil // update queued asynchronously; not an error
	}
	return translateErr(err, resp)
}

func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, method string) error {
	owner, name := splitRepo(repo)
	_, resp, err := c.gh.PullRequests.Merge(ctx, owner, name, number, "", &gogithub.PullRequestOptions{
		MergeMethod: method,
	})
	return translateErr(err, resp)
}

func (c *Client) ViewPullRequest(ctx context.Context, repo string, number int) (*hostclient.PullRequest, error) {
	owner, name := splitRepo(repo)
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, translateErr(err, resp)
	}
	return &hostclient.PullRequest{
		Number:         pr.GetNumber(),
		URL:            pr.GetHTMLURL(),
		State:          strings.ToUpper(pr.GetState()),
		HeadSHA:        pr.GetHead().GetSHA(),
		HeadRef:        pr.GetHead().GetRef(),
		BaseRef:        pr.GetBase().GetRef(),
		MergeableState: pr.GetMergeableState(),
		UpdatedAt:      pr.GetUpdatedAt().Time,
	}, nil
}
