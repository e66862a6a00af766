package controlplane

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// HeartbeatTTL is the max age of heartbeatAt for a registry record to be
// considered fresh.
const HeartbeatTTL = 20 * time.Second

// HeartbeatInterval is how often a live daemon should refresh its record.
const HeartbeatInterval = 5 * time.Second

// registryLockBusyWait and registryLockStaleAge bound the short-TTL
// registry.lock used to serialize writeDaemonRecord.
const (
	registryLockBusyWait  = 2 * time.Second
	registryLockStaleAge  = 5 * time.Second
	registryLockRetryWait = 20 * time.Millisecond
)

// WriteDaemonRecord atomically writes rec to the canonical registry file,
// serialized behind a short-TTL registry.lock with busy-wait and stale
// reap, and optionally mirrors the write into a legacy root for older
// readers.
func WriteDaemonRecord(paths Paths, rec *ralphtypes.DaemonRecord, mirrorLegacyRoot string) error {
	if err := ensureDir(paths.ControlRoot); err != nil {
		return fmt.Errorf("ensure control root: %w", err)
	}

	unlock, err := acquireRegistryLock(paths.RegistryLock())
	if err != nil {
		return err
	}
	defer unlock()

	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal daemon record: %w", err)
	}

	if err := atomicWrite(paths.RegistryFile(), data, 0o600); err != nil {
		return err
	}

	if mirrorLegacyRoot != "" {
		if err := ensureDir(mirrorLegacyRoot); err == nil {
			_ = atomicWrite(legacyRegistryFile(mirrorLegacyRoot), data, 0o600)
		}
	}
	return nil
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s into place: %w", path, err)
	}
	return nil
}

// acquireRegistryLock exclusive-creates the registry.lock file, busy-waiting
// up to registryLockBusyWait and reaping a lock file older than
// registryLockStaleAge.
func acquireRegistryLock(path string) (func(), error) {
	deadline := time.Now().Add(registryLockBusyWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create registry lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > registryLockStaleAge {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("registry lock busy at %s", path)
		}
		time.Sleep(registryLockRetryWait)
	}
}

// ReadDaemonRecord discovers the active daemon record. It collects the
// canonical registry record (if present and of canonical shape) and the
// record of every supplied legacy root, in that order. Among candidates
// with a live pid it picks the one with the latest heartbeatAt; if none
// has a live pid, it falls back to the latest heartbeatAt among all
// candidates. A canonical record therefore wins only on liveness and
// heartbeat, not by location.
func ReadDaemonRecord(paths Paths, legacyRoots []string) (*ralphtypes.DaemonRecord, error) {
	var candidates []ralphtypes.DaemonRecord

	if rec, err := readRegistryFile(paths.RegistryFile(), true); err == nil {
		candidates = append(candidates, *rec)
	}

	for _, root := range legacyRoots {
		if rec, err := readRegistryFile(legacyRegistryFile(root), false); err == nil {
			candidates = append(candidates, *rec)
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no daemon record found in canonical or legacy locations")
	}

	var live []ralphtypes.DaemonRecord
	for _, c := range candidates {
		if pidAlive(c.PID) {
			live = append(live, c)
		}
	}

	pool := live
	if len(pool) == 0 {
		pool = candidates
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].HeartbeatAt.After(pool[j].HeartbeatAt) })
	result := pool[0]
	return &result, nil
}

// readRegistryFile parses a registry file. When requireCanonicalShape is
// true, controlRoot and heartbeatAt must be present for the record to be
// accepted; legacy paths accept older shapes unconditionally.
func readRegistryFile(path string, requireCanonicalShape bool) (*ralphtypes.DaemonRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec ralphtypes.DaemonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}

	if requireCanonicalShape && (rec.ControlRoot == "" || rec.HeartbeatAt.IsZero()) {
		return nil, fmt.Errorf("registry file %s missing canonical fields", path)
	}
	return &rec, nil
}

// IsFresh reports whether rec's heartbeat is within HeartbeatTTL of now.
func IsFresh(rec *ralphtypes.DaemonRecord, now time.Time) bool {
	return now.Sub(rec.HeartbeatAt) <= HeartbeatTTL
}

// NewDaemonRecord builds the record this process should advertise at
// startup. command and cwd are captured once; heartbeatAt is refreshed by
// the caller on HeartbeatInterval via WriteDaemonRecord.
func NewDaemonRecord(paths Paths, daemonID string, ralphVersion string) (*ralphtypes.DaemonRecord, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	now := time.Now()
	return &ralphtypes.DaemonRecord{
		Version:         1,
		DaemonID:        daemonID,
		PID:             os.Getpid(),
		StartedAt:       now,
		HeartbeatAt:     now,
		ControlRoot:     paths.ControlRoot,
		Command:         append([]string{}, os.Args...),
		Cwd:             cwd,
		ControlFilePath: paths.ControlFile(),
		RalphVersion:    ralphVersion,
	}, nil
}
