package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	require.NoError(t, Init(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repos, 1)
	require.Equal(t, "acme/widgets", cfg.Repos[0].Name)
	require.Equal(t, 8, cfg.Scheduler.GlobalCapacity)
}

func TestInit_RefusesToOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	require.NoError(t, Init(path, false))
	require.Error(t, Init(path, false))
	require.NoError(t, Init(path, true))
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_AppliesDefaultsToMinimalConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repos:\n  - name: acme/widgets\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "main", cfg.Repos[0].BaseBranch)
	require.Equal(t, "ralph-bot", cfg.Repos[0].BotBranch)
	require.Equal(t, 2, cfg.Repos[0].Capacity)
	require.Equal(t, "squash", cfg.Merge.DefaultMethod)
	require.NotEmpty(t, cfg.Recovery.WatchdogThresholdsMs)
}

func TestLoad_RejectsEmptyRepoList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("RALPHD_TEST_TOKEN", "secret-token")
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	contents := "repos:\n  - name: acme/widgets\nauth:\n  type: token\n  token: \"${RALPHD_TEST_TOKEN}\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret-token", cfg.Auth.Token)
}
