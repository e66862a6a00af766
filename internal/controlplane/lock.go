package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// ErrLockHeld is returned by AcquireDaemonLock when a live daemon already
// holds daemon.lock.
var ErrLockHeld = errors.New("controlplane: daemon lock held by a live process")

// staleLockAge is the file-age threshold past which a lock whose owner
// pid is dead (or whose liveness cannot be determined) is reclaimed.
const staleLockAge = 60 * time.Second

// Lock is a held daemon.lock, proven by Token. Release is a no-op if the
// file on disk no longer carries this token (another daemon reclaimed it).
type Lock struct {
	path  string
	token string
}

// AcquireDaemonLock exclusive-creates daemon.lock at paths.LockFile(). If
// the file already exists and its owner pid is alive, it returns
// ErrLockHeld. If the owner pid is dead, or the file is older than
// staleLockAge, the lock is reclaimed and overwritten.
func AcquireDaemonLock(paths Paths, daemonID string, pid int, startedAt time.Time) (*Lock, error) {
	if err := ensureDir(paths.ControlRoot); err != nil {
		return nil, fmt.Errorf("ensure control root: %w", err)
	}

	path := paths.LockFile()

	if existing, info, err := readLockFile(path); err == nil {
		if !isStale(existing, info) {
			return nil, ErrLockHeld
		}
		_ = os.Remove(path)
	} else if info != nil {
		_ = os.Remove(path) // unparseable lock file: reclaim it
	}

	token := uuid.NewString()
	rec := ralphtypes.DaemonLock{
		DaemonID:   daemonID,
		PID:        pid,
		StartedAt:  startedAt,
		AcquiredAt: time.Now(),
		Token:      token,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal daemon lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, writeErr := f.Write(data)
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", writeErr)
	}

	return &Lock{path: path, token: token}, nil
}

// Release removes the lock file only if it still carries this holder's
// token, so a reclaimed lock held by a newer daemon is never clobbered.
func (l *Lock) Release() error {
	existing, _, err := readLockFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.Token != l.token {
		return nil
	}
	return os.Remove(l.path)
}

func readLockFile(path string) (*ralphtypes.DaemonLock, os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var rec ralphtypes.DaemonLock
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, info, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return &rec, info, nil
}

func isStale(rec *ralphtypes.DaemonLock, info os.FileInfo) bool {
	if !pidAlive(rec.PID) {
		return true
	}
	return time.Since(info.ModTime()) > staleLockAge
}

// pidAlive reports whether pid refers to a running process. On Unix,
// os.FindProcess always succeeds, so liveness is checked by sending
// signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
