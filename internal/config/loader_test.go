package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 18789, cfg.Gateway.Port)
		assert.Equal(t, "file", cfg.Session.Backend)
		assert.Equal(t, int64(4096), cfg.Quota.TokenBudget)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"gateway": {"port": 9000, "rate_limit": 5},
			"llm": {
				"profiles": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-test"}],
				"active_profile": "main"
			},
			"quota": {"default_limit": 1000, "tenants": {"bigco": 50000}}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Gateway.Port)
		assert.Equal(t, 5, cfg.Gateway.RateLimit)
		assert.Equal(t, 60, cfg.Gateway.RateWindowSec)
		profile, ok := cfg.LLM.Profile()
		require.True(t, ok)
		assert.Equal(t, "anthropic", profile.Provider)
		assert.Equal(t, "sk-ant-test", profile.APIKey)
		assert.Equal(t, int64(1000), cfg.Quota.DefaultLimit)
		assert.Equal(t, int64(50000), cfg.Quota.Tenants["bigco"])
	})

	t.Run("should set default paths under the data dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "/var/lib/parley"}`), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "/var/lib/parley", cfg.DataDir)
		assert.Equal(t, filepath.Join("/var/lib/parley", "parley.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join("/var/lib/parley", "sessions"), cfg.Session.Dir)
		assert.Equal(t, filepath.Join("/var/lib/parley", "ledger.db"), cfg.Ledger.Path)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"port": 9000}}`), 0644))
		t.Setenv("PARLEY_GATEWAY_PORT", "9100")
		t.Setenv("PARLEY_SESSION_BACKEND", "redis")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Gateway.Port)
		assert.Equal(t, "redis", cfg.Session.Backend)
	})

	t.Run("should fail on malformed json", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": `), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("should round trip through the file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nested", "config.json")

		cfg := DefaultConfig()
		cfg.Gateway.Port = 9300
		cfg.Gateway.SharedSecret = "s3cret"
		cfg.Quota.TokenBudget = 2048

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 9300, loaded.Gateway.Port)
		assert.Equal(t, "s3cret", loaded.Gateway.SharedSecret)
		assert.Equal(t, int64(2048), loaded.Quota.TokenBudget)
	})
}
