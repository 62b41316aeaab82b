package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 30, cfg.Gateway.RateLimit)
	assert.Equal(t, 60, cfg.Gateway.RateWindowSec)
	assert.True(t, cfg.Gateway.StreamDefault)
	assert.Equal(t, 3, cfg.LLM.MaxAttempts)
	assert.Equal(t, 10, cfg.Session.HistorySize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Gateway.Port = 70000 },
			wantErr: "invalid gateway port",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.Gateway.RateLimit = 0 },
			wantErr: "rate_limit",
		},
		{
			name:    "no profiles",
			mutate:  func(c *Config) { c.LLM.Profiles = nil },
			wantErr: "at least one llm profile",
		},
		{
			name:    "unknown active profile",
			mutate:  func(c *Config) { c.LLM.ActiveProfile = "missing" },
			wantErr: "not found",
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.LLM.Profiles = []AIProfile{{ID: "x", Provider: "gemini", APIKey: "k"}}
				c.LLM.ActiveProfile = "x"
			},
			wantErr: "invalid provider",
		},
		{
			name: "remote provider without key",
			mutate: func(c *Config) {
				c.LLM.Profiles = []AIProfile{{ID: "x", Provider: "openai"}}
				c.LLM.ActiveProfile = "x"
			},
			wantErr: "API key is required",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.LLM.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "zero token budget",
			mutate:  func(c *Config) { c.Quota.TokenBudget = 0 },
			wantErr: "token_budget",
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Session.Backend = "redis" },
			wantErr: "redis_addr",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Session.Backend = "s3" },
			wantErr: "invalid session backend",
		},
	}

	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLLMConfigProfile(t *testing.T) {
	t.Run("should fall back to the first profile", func(t *testing.T) {
		l := LLMConfig{Profiles: []AIProfile{{ID: "a"}, {ID: "b"}}}
		p, ok := l.Profile()
		require.True(t, ok)
		assert.Equal(t, "a", p.ID)
	})

	t.Run("should pick the active profile", func(t *testing.T) {
		l := LLMConfig{Profiles: []AIProfile{{ID: "a"}, {ID: "b"}}, ActiveProfile: "b"}
		p, ok := l.Profile()
		require.True(t, ok)
		assert.Equal(t, "b", p.ID)
	})
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "super-secret"
	cfg.LLM.Profiles = []AIProfile{{ID: "a", Provider: "anthropic", APIKey: "sk-ant-abc"}}

	out := cfg.String()
	assert.NotContains(t, out, "super-secret")
	assert.NotContains(t, out, "sk-ant-abc")
	assert.Equal(t, "sk-ant-abc", cfg.LLM.Profiles[0].APIKey)
}
