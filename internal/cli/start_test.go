package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRunningNoPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "relayd.pid")
	assert.False(t, isRunning(pidFile))
}

func TestIsRunningOwnPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, writePIDFile(pidFile))

	assert.True(t, isRunning(pidFile))
}

func TestIsRunningStalePID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "relayd.pid")

	// PID 4194304 exceeds the default pid_max on Linux
	require.NoError(t, os.WriteFile(pidFile, []byte("4194304\n"), 0644))
	assert.False(t, isRunning(pidFile))
}

func TestIsRunningGarbagePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not a pid"), 0644))

	assert.False(t, isRunning(pidFile))
}

func TestWritePIDFileCreatesDirectory(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nested", "relayd.pid")
	require.NoError(t, writePIDFile(pidFile))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
}

func TestReadPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("12345\n"), 0644))

	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestReadPIDInvalid(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "relayd.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0644))

	_, err := readPID(pidFile)
	assert.Error(t, err)
}
