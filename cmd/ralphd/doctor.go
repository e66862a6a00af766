package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/ralph-fleet/ralphd/internal/controlplane"
)

// DoctorCmd inspects the control plane without starting a daemon: where
// it lives on disk, whether a live daemon currently holds the lock, and
// the current drain/pause mode.
type DoctorCmd struct{}

func (c *DoctorCmd) Run(_ *Global, _ *CLI) error {
	paths := controlplane.Resolve()
	fmt.Printf("control root: %s\n", paths.ControlRoot)

	probeID := "ralphd-doctor"
	lock, err := controlplane.AcquireDaemonLock(paths, probeID, 0, time.Now())
	switch {
	case errors.Is(err, controlplane.ErrLockHeld):
		fmt.Println("daemon lock: held by a live process")
	case err != nil:
		fmt.Printf("daemon lock: could not inspect (%v)\n", err)
	default:
		fmt.Println("daemon lock: not held (no live daemon)")
		_ = lock.Release()
	}

	rec, err := controlplane.ReadDaemonRecord(paths, controlplane.LegacyRoots())
	if err != nil {
		fmt.Printf("daemon registry: no record found (%v)\n", err)
	} else {
		fresh := controlplane.IsFresh(rec, time.Now())
		fmt.Printf("daemon registry: id=%s started=%s fresh=%t\n", rec.DaemonID, rec.StartedAt.Format(time.RFC3339), fresh)
	}

	state, err := controlplane.ReadControlState(paths.ControlFile())
	if err != nil {
		fmt.Println("control state: control.json missing or invalid, daemon defaults to running mode")
		return nil
	}
	fmt.Printf("control state: mode=%s\n", state.Mode)
	return nil
}
