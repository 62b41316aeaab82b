package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher(t *testing.T) {
	t.Run("should reload on write", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"rate_limit": 5}}`), 0644))

		reloaded := make(chan *Config, 4)
		w, err := NewWatcher(WatcherConfig{
			Path:     configPath,
			Debounce: 20 * time.Millisecond,
			OnReload: func(cfg *Config) { reloaded <- cfg },
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"rate_limit": 7}, "quota": {"default_limit": 99}}`), 0644))

		select {
		case cfg := <-reloaded:
			assert.Equal(t, 7, cfg.Gateway.RateLimit)
			assert.Equal(t, int64(99), cfg.Quota.DefaultLimit)
		case <-time.After(3 * time.Second):
			t.Fatal("config was not reloaded")
		}
	})

	t.Run("should keep the current config when the file is invalid", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "parley.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

		reloaded := make(chan *Config, 4)
		w, err := NewWatcher(WatcherConfig{
			Path:     configPath,
			Debounce: 20 * time.Millisecond,
			OnReload: func(cfg *Config) { reloaded <- cfg },
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"rate_limit": 0}}`), 0644))

		select {
		case <-reloaded:
			t.Fatal("invalid config must not be applied")
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("should require a callback", func(t *testing.T) {
		_, err := NewWatcher(WatcherConfig{Path: "x.json"})
		assert.Error(t, err)
	})
}
