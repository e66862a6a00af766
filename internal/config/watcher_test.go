package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnFileWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	require.NoError(t, Init(path, false))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)
	w.debounceTime = 20 * time.Millisecond
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	contents := "repos:\n  - name: updated/repo\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "updated/repo", cfg.Repos[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
