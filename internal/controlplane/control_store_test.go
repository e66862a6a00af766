package controlplane

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadControlState_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")

	pause := true
	checkpoint := ralphtypes.CheckpointPRReady
	state := &ralphtypes.ControlState{
		Mode:              ralphtypes.ModeDraining,
		PauseRequested:    &pause,
		PauseAtCheckpoint: &checkpoint,
	}

	require.NoError(t, WriteControlState(path, state))

	got, err := ReadControlState(path)
	require.NoError(t, err)
	require.Equal(t, ralphtypes.ModeDraining, got.Mode)
	require.Equal(t, 1, got.Version)
	require.NotNil(t, got.PauseRequested)
	require.True(t, *got.PauseRequested)
	require.Equal(t, ralphtypes.CheckpointPRReady, *got.PauseAtCheckpoint)
}

func TestWriteControlState_ForcesVersionTo1(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")

	state := &ralphtypes.ControlState{Mode: ralphtypes.ModeRunning, Version: 99}
	require.NoError(t, WriteControlState(path, state))

	got, err := ReadControlState(path)
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)
}

func TestWriteControlState_FilePermissionsAre0600(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")

	require.NoError(t, WriteControlState(path, DefaultControlState()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReadControlState_UnknownFieldsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"running","version":1,"future_field":"x"}`), 0o600))

	got, err := ReadControlState(path)
	require.NoError(t, err)
	require.Equal(t, ralphtypes.ModeRunning, got.Mode)
}

func TestReadControlState_MissingFileReturnsError(t *testing.T) {
	_, err := ReadControlState(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
