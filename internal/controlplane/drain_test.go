package controlplane

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/stretchr/testify/require"
)

func TestDrainMonitor_DefaultsToRunningBeforeFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.json")
	m := NewDrainMonitor(path, nil, nil)
	require.Equal(t, ralphtypes.GateRunning, m.Gate())
}

func TestDrainMonitor_PicksUpModeChangeOnReloadNow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	require.NoError(t, WriteControlState(path, DefaultControlState()))

	var transitions []ralphtypes.ControlMode
	m := NewDrainMonitor(path, func(prev, next *ralphtypes.ControlState) {
		transitions = append(transitions, next.Mode)
	}, nil)
	m.pollInterval = time.Hour // force us to rely on ReloadNow, not the ticker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Equal(t, ralphtypes.GateRunning, m.Gate())

	require.NoError(t, WriteControlState(path, &ralphtypes.ControlState{Mode: ralphtypes.ModeDraining}))
	m.ReloadNow()

	require.Eventually(t, func() bool {
		return m.Gate() == ralphtypes.GateDraining
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []ralphtypes.ControlMode{ralphtypes.ModeDraining}, transitions)
}

func TestDrainMonitor_RetainsLastKnownGoodOnInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	require.NoError(t, WriteControlState(path, &ralphtypes.ControlState{Mode: ralphtypes.ModeDraining}))

	m := NewDrainMonitor(path, nil, nil)
	m.pollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Equal(t, ralphtypes.GateDraining, m.Gate())

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	m.ReloadNow()
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, ralphtypes.GateDraining, m.Gate())
}

func TestDrainMonitor_RetainsLastKnownGoodWhenFileRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	require.NoError(t, WriteControlState(path, &ralphtypes.ControlState{Mode: ralphtypes.ModeDraining}))

	m := NewDrainMonitor(path, nil, nil)
	m.pollInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.NoError(t, os.Remove(path))
	m.ReloadNow()
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, ralphtypes.GateDraining, m.Gate())
}
