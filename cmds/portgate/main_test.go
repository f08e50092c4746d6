package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/host/local"
)

func TestHostCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "portgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("dataDir: "+dir+"\nlogToStdout: true\n"), 0o0600))

	for _, args := range [][]string{
		{"--config", cfgPath, "host", "enable"},
		{"--config", cfgPath, "host", "approve"},
		{"--config", cfgPath, "host", "show"},
	} {
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute(), args)
	}

	s, err := local.ReadState(filepath.Join(dir, "host.yaml"))
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.True(t, s.Approved)
	assert.False(t, s.Installed)

	rootCmd.SetArgs([]string{"--config", cfgPath, "host", "reject"})
	require.NoError(t, rootCmd.Execute())
	s, err = local.ReadState(filepath.Join(dir, "host.yaml"))
	require.NoError(t, err)
	assert.True(t, s.Rejected)
	assert.False(t, s.Approved)
}

func TestFilterArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"filter", "explode"})
	assert.Error(t, rootCmd.Execute())
}
