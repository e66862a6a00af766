// Package worktree implements the pipeline.Worktree capability: one
// isolated git checkout per task, reused across resume, removed on
// exit. Clone/fetch/checkout/diverge handling is adapted from the
// teacher's internal/git.Client, collapsed from a multi-repo-sync
// client down to the single ensure/remove/dirty-check surface a
// RepoWorker needs.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/ralph-fleet/ralphd/internal/config"
	"github.com/ralph-fleet/ralphd/internal/logfields"
)

// Client satisfies pipeline.Worktree. One Client serves every repo; the
// full clone URL is derived from the "owner/name" repo string each call
// carries, matching how internal/git.Client took a appcfg.Repository.
type Client struct {
	auth config.AuthConfig
	log  *slog.Logger
}

// New builds a Client. auth is applied to every clone/fetch; a zero
// AuthConfig means unauthenticated (public repo) access.
func New(auth config.AuthConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{auth: auth, log: log}
}

func remoteURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

func (c *Client) authMethod() (transport.AuthMethod, error) {
	switch c.auth.Type {
	case "", config.AuthTypeNone:
		return nil, nil
	case config.AuthTypeToken:
		if c.auth.Token == "" {
			return nil, errors.New("token authentication requires a token")
		}
		return &githttp.BasicAuth{Username: "token", Password: c.auth.Token}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type: %s", c.auth.Type)
	}
}

// Ensure clones repo to path at baseBranch if path does not already
// contain a checkout, or fetches and fast-forwards (or hard-resets on
// divergence) an existing one. It returns path unchanged for caller
// convenience, the way cloneOnce/updateOnce hand the caller a repo path.
func (c *Client) Ensure(ctx context.Context, repo, path, baseBranch string) (string, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return path, c.clone(ctx, repo, path, baseBranch)
	}
	return path, c.update(ctx, repo, path, baseBranch)
}

func (c *Client) clone(ctx context.Context, repo, path, baseBranch string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove existing worktree dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent dir: %w", err)
	}

	auth, err := c.authMethod()
	if err != nil {
		return fmt.Errorf("setup authentication: %w", err)
	}
	opts := &git.CloneOptions{URL: remoteURL(repo), Auth: auth}
	if baseBranch != "" {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + baseBranch)
		opts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, path, false, opts); err != nil {
		return fmt.Errorf("clone %s: %w", repo, err)
	}
	c.log.Debug("worktree cloned", logfields.Repo(repo), logfields.Path(path), logfields.Branch(baseBranch))
	return nil
}

func (c *Client) update(ctx context.Context, repo, path, baseBranch string) error {
	repository, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	wt, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("worktree handle: %w", err)
	}

	auth, err := c.authMethod()
	if err != nil {
		return fmt.Errorf("setup authentication: %w", err)
	}
	fetchOpts := &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Tags:       git.NoTags,
		RefSpecs:   []ggitcfg.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
	}
	if err := repository.FetchContext(ctx, fetchOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}

	branch := baseBranch
	if branch == "" {
		if head, herr := repository.Head(); herr == nil && head.Name().IsBranch() {
			branch = head.Name().Short()
		} else {
			branch = "main"
		}
	}

	localRef := plumbing.NewBranchReferenceName(branch)
	remoteRef := plumbing.NewRemoteReferenceName("origin", branch)

	remote, err := repository.Reference(remoteRef, true)
	if err != nil {
		return fmt.Errorf("remote ref %s: %w", branch, err)
	}

	if _, lerr := repository.Reference(localRef, true); lerr != nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: localRef, Create: true, Force: true}); err != nil {
			return fmt.Errorf("checkout new branch %s: %w", branch, err)
		}
	} else {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: localRef, Force: true}); err != nil {
			return fmt.Errorf("checkout branch %s: %w", branch, err)
		}
	}

	local, err := repository.Reference(localRef, true)
	if err != nil {
		return fmt.Errorf("local ref %s: %w", branch, err)
	}

	ancestor, aerr := isAncestor(repository, local.Hash(), remote.Hash())
	if aerr != nil {
		c.log.Warn("ancestor check failed", logfields.Repo(repo), logfields.Error(aerr))
	}
	if ancestor {
		if err := wt.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.HardReset}); err != nil {
			return fmt.Errorf("fast-forward reset: %w", err)
		}
		return nil
	}

	c.log.Warn("worktree diverged from remote, hard resetting", logfields.Repo(repo), logfields.Branch(branch))
	if err := wt.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("hard reset on diverge: %w", err)
	}
	return nil
}

func isAncestor(repo *git.Repository, a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	seen := map[plumbing.Hash]struct{}{}
	queue := []plumbing.Hash{b}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == a {
			return true, nil
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		commit, err := repo.CommitObject(h)
		if err != nil {
			return false, err
		}
		queue = append(queue, commit.ParentHashes...)
	}
	return false, nil
}

// Remove deletes dir entirely. A task's worktree is removed once its
// pipeline run finishes and nothing references it for resume.
func (c *Client) Remove(ctx context.Context, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree %s: %w", dir, err)
	}
	return nil
}

// HasUncommittedChanges reports whether dir's working tree has any
// modifications relative to HEAD. No pipeline stage calls it.
func (c *Client) HasUncommittedChanges(dir string) (bool, error) {
	repository, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	wt, err := repository.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree handle: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return !status.IsClean(), nil
}
