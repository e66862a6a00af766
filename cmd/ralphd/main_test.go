package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	require.Nil(t, splitArgs(""))
	require.Equal(t, []string{"--flag", "value"}, splitArgs("--flag value"))
	require.Equal(t, []string{"--flag", "value"}, splitArgs("  --flag   value  "))
}
