package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
)

func writeFakeAgent(t *testing.T, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\necho \"$@\"\nexit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCLISessionRunner_RunAgent_Success(t *testing.T) {
	bin := writeFakeAgent(t, 0)
	runner := NewCLISessionRunner(bin, []string{"--extra"})

	result, err := runner.RunAgent(context.Background(), t.TempDir(), "coder", "fix the bug", sessionrunner.Options{CacheKey: "cache-1"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "cache-1", result.SessionID)
	require.Contains(t, result.Output, "fix the bug")
	require.Contains(t, result.Output, "--extra")
}

func TestCLISessionRunner_RunAgent_NonZeroExitIsError(t *testing.T) {
	bin := writeFakeAgent(t, 1)
	runner := NewCLISessionRunner(bin, nil)

	result, err := runner.RunAgent(context.Background(), t.TempDir(), "coder", "prompt", sessionrunner.Options{})
	require.Error(t, err)
	require.False(t, result.Success)
}
