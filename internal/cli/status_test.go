package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("should report stopped without a PID file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`"}`), 0644))

		out, err := runCLI(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("should report running for a live PID", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`"}`), 0644))
		require.NoError(t, writePIDFile(getPIDFilePath(dir)))

		out, err := runCLI(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
	})
}

func TestIsRunning(t *testing.T) {
	t.Run("should be false without a PID file", func(t *testing.T) {
		assert.False(t, isRunning(filepath.Join(t.TempDir(), "nonexistent.pid")))
	})

	t.Run("should be false for an invalid PID file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0644))
		assert.False(t, isRunning(pidFile))
	})

	t.Run("should be true for this process", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "self.pid")
		require.NoError(t, writePIDFile(pidFile))
		assert.True(t, isRunning(pidFile))
	})
}

func TestGetPIDFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "parley.pid"), getPIDFilePath("/data"))
	assert.Contains(t, getPIDFilePath(""), "parley.pid")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run("should format "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
