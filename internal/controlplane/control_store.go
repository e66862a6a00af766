package controlplane

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// ReadControlState reads and parses control.json at path. Unknown fields
// are ignored by encoding/json already; callers that need last-known-good
// retention on parse failure should use the drain monitor (Component C)
// rather than this function directly.
func ReadControlState(path string) (*ralphtypes.ControlState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var state ralphtypes.ControlState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse control state %s: %w", path, err)
	}
	return &state, nil
}

// WriteControlState writes state to path atomically via a temp file and
// rename, forcing version to 1 and file mode 0600 per the wire format.
func WriteControlState(path string, state *ralphtypes.ControlState) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("ensure control dir: %w", err)
	}

	toWrite := *state
	toWrite.Version = 1

	data, err := json.Marshal(toWrite)
	if err != nil {
		return fmt.Errorf("marshal control state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp control state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename control state into place: %w", err)
	}
	return nil
}

// DefaultControlState is the state assumed before a control.json ever
// exists, and the last-known-good fallback on first invalid read.
func DefaultControlState() *ralphtypes.ControlState {
	return &ralphtypes.ControlState{Mode: ralphtypes.ModeRunning, Version: 1}
}
