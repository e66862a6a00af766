// Package lease implements Component H: the PR-create lease, a durable
// idempotity table enforcing at-most-one concurrent PR creation per
// (repo, issueNumber, baseBranch). The scope string is always
// "pr-create" — this package has no other lease kind.
package lease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

const (
	// Scope is the constant scope string for every key this package mints.
	Scope = "pr-create"

	// TTL is how long a held lease is honored before it's considered
	// abandoned and reclaimable.
	TTL = 20 * time.Minute
)

// Claim is the outcome of a TryClaim call.
type Claim struct {
	Key               string
	Claimed           bool
	StaleDeleted      bool
	ExistingCreatedAt time.Time // zero if Claimed or no prior row existed
}

// Table is the durable, atomically-persisted idempotency table for
// PR-create leases. Grounded on internal/state/json_store.go's whole-map
// load/mutate/saveToDiskUnsafe shape, generalized from multiple typed
// sub-stores to a single keyed map of PrCreateLease records.
type Table struct {
	path string

	mu      sync.Mutex
	records map[string]ralphtypes.PrCreateLease
}

// Open loads (or initializes) the lease table at path.
func Open(path string) (*Table, error) {
	t := &Table{path: path, records: make(map[string]ralphtypes.PrCreateLease)}
	if err := t.loadUnsafe(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) loadUnsafe() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lease: read %s: %w", t.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var records map[string]ralphtypes.PrCreateLease
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("lease: parse %s: %w", t.path, err)
	}
	t.records = records
	return nil
}

// saveUnsafe writes the table atomically via temp-file-then-rename.
func (t *Table) saveUnsafe() error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("lease: ensure dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return fmt.Errorf("lease: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".lease-*.tmp")
	if err != nil {
		return fmt.Errorf("lease: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("lease: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("lease: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("lease: rename into place: %w", err)
	}
	return nil
}

func makeKey(repo string, issueNumber int, baseBranch string) string {
	return fmt.Sprintf("%s|%s|%d|%s", Scope, repo, issueNumber, baseBranch)
}

// TryClaim attempts to claim the (repo, issueNumber, baseBranch) key for
// workerIdentity at now. A row older than TTL is treated as abandoned,
// deleted, and immediately reclaimable by this call.
func (t *Table) TryClaim(repo string, issueNumber int, baseBranch, workerIdentity string, now time.Time) (Claim, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := makeKey(repo, issueNumber, baseBranch)
	existing, ok := t.records[key]
	staleDeleted := false
	if ok {
		if now.Sub(existing.CreatedAt) > TTL {
			delete(t.records, key)
			staleDeleted = true
			ok = false
		}
	}
	if ok {
		return Claim{Key: key, Claimed: false, ExistingCreatedAt: existing.CreatedAt}, nil
	}

	rec := ralphtypes.PrCreateLease{
		Key:        key,
		Repo:       repo,
		Issue:      issueNumber,
		BaseBranch: baseBranch,
		Holder:     workerIdentity,
		CreatedAt:  now,
	}
	t.records[key] = rec
	if err := t.saveUnsafe(); err != nil {
		// Roll back the in-memory claim; the caller must not believe it
		// holds a lease that never made it to disk.
		delete(t.records, key)
		return Claim{}, err
	}
	return Claim{Key: key, Claimed: true, StaleDeleted: staleDeleted}, nil
}

// Release deletes the key unconditionally. Release of an unheld or
// already-reclaimed key is a no-op, matching the semaphore's idempotent-
// release idiom elsewhere in this codebase.
func (t *Table) Release(repo string, issueNumber int, baseBranch string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := makeKey(repo, issueNumber, baseBranch)
	if _, ok := t.records[key]; !ok {
		return nil
	}
	delete(t.records, key)
	return t.saveUnsafe()
}

// ReapStale deletes every row older than TTL as of now, for the periodic
// GC job. Returns the number of rows removed.
func (t *Table) ReapStale(now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, rec := range t.records {
		if now.Sub(rec.CreatedAt) > TTL {
			delete(t.records, k)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, t.saveUnsafe()
}

// NewWorkerIdentity mints a random identity string for a worker that
// doesn't have a more specific one (session id, etc.) to hand TryClaim.
func NewWorkerIdentity() string {
	return uuid.NewString()
}
