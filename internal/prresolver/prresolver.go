// Package prresolver implements Component K: resolving the canonical,
// open pull request for an issue from a local DB candidate list plus a
// host search fallback, with a short-TTL cache so repeated lookups
// within one pipeline run don't repeat the host round trip.
package prresolver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ralph-fleet/ralphd/internal/hostclient"
)

// DefaultTTL is how long a cached resolution is honored before a caller
// without fresh=true gets a recomputed answer.
const DefaultTTL = 30 * time.Second

// DBCandidate is a PR URL the local task/issue record already knows
// about, before host validation.
type DBCandidate struct {
	URL string
}

// Resolution is the outcome of one getIssuePrResolution call.
type Resolution struct {
	Selected   hostclient.PullRequest
	Duplicates []hostclient.PullRequest
}

type cacheEntry struct {
	resolution Resolution
	expiresAt  time.Time
}

// Cache is a per-issue TTL cache of PR resolutions. Grounded on
// internal/forge/discoveryrunner/cache.go's mutex-guarded single-entry
// cache, generalized from one cached result to a per-key map with
// per-entry expiry.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[int]cacheEntry
}

// NewCache builds a Cache with the given TTL (DefaultTTL if ttl <= 0).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[int]cacheEntry)}
}

func (c *Cache) get(issueNumber int, now time.Time) (Resolution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[issueNumber]
	if !ok || now.After(e.expiresAt) {
		return Resolution{}, false
	}
	return e.resolution, true
}

func (c *Cache) put(issueNumber int, res Resolution, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[issueNumber] = cacheEntry{resolution: res, expiresAt: now.Add(c.ttl)}
}

// Invalidate drops the cached entry for issueNumber, if any.
func (c *Cache) Invalidate(issueNumber int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, issueNumber)
}

// Resolver resolves a canonical PR for an issue and caches the result.
type Resolver struct {
	host  hostclient.HostClient
	cache *Cache
	now   func() time.Time
}

// New builds a Resolver over host, backed by cache.
func New(host hostclient.HostClient, cache *Cache) *Resolver {
	return &Resolver{host: host, cache: cache, now: time.Now}
}

// Options controls one resolution call.
type Options struct {
	Fresh bool // bypass the cache and recompute
}

// Resolve implements getIssuePrResolution: validate DB candidates via
// the host, fall back to a host search, then pick the canonical URL
// among survivors (presence in DB > presence in host search > later
// updatedAt, ties broken by URL sort), per §4.K and Open Question #1.
func (r *Resolver) Resolve(ctx context.Context, repo string, issueNumber int, dbCandidates []DBCandidate, opts Options) (*Resolution, error) {
	now := r.now()
	if !opts.Fresh {
		if cached, ok := r.cache.get(issueNumber, now); ok {
			return &cached, nil
		}
	}

	type candidate struct {
		pr       hostclient.PullRequest
		fromDB   bool
		fromHost bool
	}
	byURL := make(map[string]*candidate)

	for _, dc := range dbCandidates {
		pr, err := r.validateViaHost(ctx, repo, dc.URL)
		if err != nil || pr == nil {
			continue
		}
		byURL[pr.URL] = &candidate{pr: *pr, fromDB: true}
	}

	hostResults, err := r.searchHost(ctx, repo, issueNumber)
	if err != nil && len(byURL) == 0 {
		return nil, err
	}
	for _, pr := range hostResults {
		if c, ok := byURL[pr.URL]; ok {
			c.fromHost = true
			c.pr = pr
			continue
		}
		byURL[pr.URL] = &candidate{pr: pr, fromHost: true}
	}

	if len(byURL) == 0 {
		return nil, fmt.Errorf("prresolver: no open pull request found for issue #%d", issueNumber)
	}

	candidates := make([]*candidate, 0, len(byURL))
	for _, c := range byURL {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.fromDB != b.fromDB {
			return a.fromDB
		}
		if a.fromHost != b.fromHost {
			return a.fromHost
		}
		if !a.pr.UpdatedAt.Equal(b.pr.UpdatedAt) {
			return a.pr.UpdatedAt.After(b.pr.UpdatedAt)
		}
		return a.pr.URL < b.pr.URL
	})

	res := Resolution{Selected: candidates[0].pr}
	for _, c := range candidates[1:] {
		res.Duplicates = append(res.Duplicates, c.pr)
	}

	r.cache.put(issueNumber, res, now)
	return &res, nil
}

func (r *Resolver) validateViaHost(ctx context.Context, repo, url string) (*hostclient.PullRequest, error) {
	number, ok := prNumberFromURL(url)
	if !ok {
		return nil, fmt.Errorf("prresolver: cannot parse PR number from %q", url)
	}
	pr, err := r.host.ViewPullRequest(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	if pr.State != "OPEN" {
		return nil, nil
	}
	return pr, nil
}

func (r *Resolver) searchHost(ctx context.Context, repo string, issueNumber int) ([]hostclient.PullRequest, error) {
	query := fmt.Sprintf("fixes #%d OR closes #%d", issueNumber, issueNumber)
	results, err := r.host.SearchPullRequests(ctx, repo, query)
	if err != nil {
		// Split-query fallback: some search backends choke on the OR form.
		fixes, fixesErr := r.host.SearchPullRequests(ctx, repo, fmt.Sprintf("fixes #%d", issueNumber))
		closes, closesErr := r.host.SearchPullRequests(ctx, repo, fmt.Sprintf("closes #%d", issueNumber))
		if fixesErr != nil && closesErr != nil {
			return nil, err
		}
		return append(fixes, closes...), nil
	}
	return results, nil
}

func prNumberFromURL(url string) (int, bool) {
	var n int
	_, err := fmt.Sscanf(lastPathSegment(url), "%d", &n)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lastPathSegment(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			return url[i+1:]
		}
	}
	return url
}
