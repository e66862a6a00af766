package controlplane

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireDaemonLock_SucceedsWhenAbsent(t *testing.T) {
	paths := Paths{ControlRoot: t.TempDir()}

	lock, err := AcquireDaemonLock(paths, "d1", os.Getpid(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = os.Stat(paths.LockFile())
	require.NoError(t, err)
}

func TestAcquireDaemonLock_FailsWhenHeldByLiveProcess(t *testing.T) {
	paths := Paths{ControlRoot: t.TempDir()}

	first, err := AcquireDaemonLock(paths, "d1", os.Getpid(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = AcquireDaemonLock(paths, "d2", os.Getpid(), time.Now())
	require.ErrorIs(t, err, ErrLockHeld)
}

func TestAcquireDaemonLock_ReclaimsWhenOwnerPidDead(t *testing.T) {
	paths := Paths{ControlRoot: t.TempDir()}

	deadPID := findUnusedPID(t)
	first, err := AcquireDaemonLock(paths, "d1", deadPID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := AcquireDaemonLock(paths, "d2", os.Getpid(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, second)
}

func TestLockRelease_NoopIfTokenNoLongerMatches(t *testing.T) {
	paths := Paths{ControlRoot: t.TempDir()}

	deadPID := findUnusedPID(t)
	first, err := AcquireDaemonLock(paths, "d1", deadPID, time.Now())
	require.NoError(t, err)

	second, err := AcquireDaemonLock(paths, "d2", os.Getpid(), time.Now())
	require.NoError(t, err)

	// first's token was superseded by the reclaim; releasing it must not
	// remove second's lock file.
	require.NoError(t, first.Release())
	_, statErr := os.Stat(paths.LockFile())
	require.NoError(t, statErr)

	require.NoError(t, second.Release())
	_, statErr = os.Stat(paths.LockFile())
	require.True(t, os.IsNotExist(statErr))
}

// findUnusedPID returns a pid very unlikely to be alive, for stale-lock
// reclaim tests. It does not guarantee non-existence but uses a value far
// outside normal pid ranges.
func findUnusedPID(t *testing.T) int {
	t.Helper()
	return 1 << 30
}
