// Package controlplane implements the daemon-wide singleton lock, the
// canonical control-file store, and the daemon registry described in
// Component A. Layout and discovery order mirror the teacher's
// internal/state JSON stores: everything is written atomically via a
// temp file and a rename, never in place.
package controlplane

import (
	"os"
	"path/filepath"
	"strconv"
)

const (
	controlFileName  = "control.json"
	registryFileName = "daemon-registry.json"
	lockFileName     = "daemon.lock"
	registryLockName = "registry.lock"
)

// Paths resolves the canonical control-plane directory plus the
// read-only legacy candidates consulted during discovery.
type Paths struct {
	ControlRoot string
}

// Resolve returns the canonical control root: $HOME/.ralph/control, or
// /tmp/ralph/<uid>/control when no home directory is available.
func Resolve() Paths {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return Paths{ControlRoot: filepath.Join(home, ".ralph", "control")}
	}
	return Paths{ControlRoot: filepath.Join(os.TempDir(), "ralph", strconv.Itoa(os.Getuid()), "control")}
}

func (p Paths) ControlFile() string  { return filepath.Join(p.ControlRoot, controlFileName) }
func (p Paths) RegistryFile() string { return filepath.Join(p.ControlRoot, registryFileName) }
func (p Paths) LockFile() string     { return filepath.Join(p.ControlRoot, lockFileName) }
func (p Paths) RegistryLock() string { return filepath.Join(p.ControlRoot, registryLockName) }

// LegacyRoots returns the read-only fallback roots consulted during
// discovery, in the order the source implementation prefers: XDG state
// home, then ~/.local/state/ralph, then /tmp/ralph/<uid>.
func LegacyRoots() []string {
	var roots []string

	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		roots = append(roots, filepath.Join(xdg, "ralph"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		roots = append(roots, filepath.Join(home, ".local", "state", "ralph"))
	}
	roots = append(roots, filepath.Join(os.TempDir(), "ralph", strconv.Itoa(os.Getuid())))

	return roots
}

// legacyControlFile and legacyRegistryFile join a legacy root the same
// way the canonical layout does, for discovery scans.
func legacyControlFile(root string) string  { return filepath.Join(root, controlFileName) }
func legacyRegistryFile(root string) string { return filepath.Join(root, registryFileName) }

// ensureDir creates dir with 0700 permissions if it does not exist.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
