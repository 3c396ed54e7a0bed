package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := GetRootCmd()
	require.NotNil(t, cmd)
	assert.Equal(t, "relayd", cmd.Use)
	assert.Equal(t, version, cmd.Version)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := GetRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	assert.True(t, names["start"], "start command should be registered")
	assert.True(t, names["stop"], "stop command should be registered")
	assert.True(t, names["status"], "status command should be registered")
}

func TestRootCommandFlags(t *testing.T) {
	cmd := GetRootCmd()

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestGetVersion(t *testing.T) {
	assert.NotEmpty(t, GetVersion())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration string
		expected string
	}{
		{"seconds only", "45s", "45s"},
		{"minutes and seconds", "3m20s", "3m20s"},
		{"hours", "2h5m1s", "2h5m1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := time.ParseDuration(tt.duration)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, formatDuration(d))
		})
	}
}
