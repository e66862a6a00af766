package lease

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(filepath.Join(t.TempDir(), "pr-create-leases.json"))
	require.NoError(t, err)
	return tbl
}

func TestTryClaim_FirstClaimSucceeds(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	claim, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-1", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	require.False(t, claim.StaleDeleted)
}

func TestTryClaim_SecondConcurrentClaimFails(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	_, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-1", now)
	require.NoError(t, err)

	claim, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-2", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, claim.Claimed)
	require.False(t, claim.ExistingCreatedAt.IsZero())
}

func TestTryClaim_StaleRowIsReclaimed(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	_, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-1", now)
	require.NoError(t, err)

	later := now.Add(TTL + time.Second)
	claim, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-2", later)
	require.NoError(t, err)
	require.True(t, claim.Claimed)
	require.True(t, claim.StaleDeleted)
}

func TestRelease_AllowsReclaimImmediately(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	_, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-1", now)
	require.NoError(t, err)
	require.NoError(t, tbl.Release("acme/widgets", 42, "main"))

	claim, err := tbl.TryClaim("acme/widgets", 42, "main", "worker-2", now)
	require.NoError(t, err)
	require.True(t, claim.Claimed)
}

func TestRelease_UnheldKeyIsNoop(t *testing.T) {
	tbl := openTestTable(t)
	require.NoError(t, tbl.Release("acme/widgets", 99, "main"))
}

func TestReapStale_RemovesOnlyExpiredRows(t *testing.T) {
	tbl := openTestTable(t)
	now := time.Now()

	_, err := tbl.TryClaim("acme/widgets", 1, "main", "worker-1", now)
	require.NoError(t, err)
	_, err = tbl.TryClaim("acme/widgets", 2, "main", "worker-1", now)
	require.NoError(t, err)

	removed, err := tbl.ReapStale(now.Add(TTL + time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	claim, err := tbl.TryClaim("acme/widgets", 1, "main", "worker-2", now.Add(TTL+time.Second))
	require.NoError(t, err)
	require.True(t, claim.Claimed)
}

func TestOpen_RoundTripsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pr-create-leases.json")
	now := time.Now()

	tbl1, err := Open(path)
	require.NoError(t, err)
	_, err = tbl1.TryClaim("acme/widgets", 7, "main", "worker-1", now)
	require.NoError(t, err)

	tbl2, err := Open(path)
	require.NoError(t, err)
	claim, err := tbl2.TryClaim("acme/widgets", 7, "main", "worker-2", now)
	require.NoError(t, err)
	require.False(t, claim.Claimed)
}
