package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Parley configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// LLM configuration
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Quota configuration
	Quota QuotaConfig `json:"quota" mapstructure:"quota"`

	// Session storage
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Usage ledger
	Ledger LedgerConfig `json:"ledger" mapstructure:"ledger"`

	// Tool catalog
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// RateLimit is the number of messages a user may send per window.
	RateLimit     int  `json:"rate_limit" mapstructure:"rate_limit"`
	RateWindowSec int  `json:"rate_window_sec" mapstructure:"rate_window_sec"`
	StreamDefault bool `json:"stream_default" mapstructure:"stream_default"`
	// ShutdownTimeoutSec bounds how long in-flight runs may take on stop.
	ShutdownTimeoutSec int `json:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
}

// RateWindow returns the rate limit window.
func (g GatewayConfig) RateWindow() time.Duration {
	return time.Duration(g.RateWindowSec) * time.Second
}

// LLMConfig holds generation client configuration
type LLMConfig struct {
	Profiles      []AIProfile `json:"profiles" mapstructure:"profiles"`
	ActiveProfile string      `json:"active_profile" mapstructure:"active_profile"`
	Model         string      `json:"model" mapstructure:"model"`
	MaxTokens     int         `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64     `json:"temperature" mapstructure:"temperature"`
	MaxAttempts   int         `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs   int         `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs    int         `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	// RoutingModel is used for intent and tool selection. Empty disables
	// model routing in favour of keyword rules.
	RoutingModel string `json:"routing_model" mapstructure:"routing_model"`
}

// AIProfile represents a provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, static
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
}

// Profile returns the active profile, or the first one when none is marked.
func (l LLMConfig) Profile() (AIProfile, bool) {
	for _, p := range l.Profiles {
		if p.ID == l.ActiveProfile {
			return p, true
		}
	}
	if l.ActiveProfile == "" && len(l.Profiles) > 0 {
		return l.Profiles[0], true
	}
	return AIProfile{}, false
}

// QuotaConfig holds per-tenant token limits
type QuotaConfig struct {
	// DefaultLimit applies to tenants without an override. <= 0 is unlimited.
	DefaultLimit int64            `json:"default_limit" mapstructure:"default_limit"`
	Tenants      map[string]int64 `json:"tenants" mapstructure:"tenants"`
	// TokenBudget caps the tokens a single request may spend.
	TokenBudget int64 `json:"token_budget" mapstructure:"token_budget"`
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // file, redis
	Dir           string `json:"dir" mapstructure:"dir"`
	RedisAddr     string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `json:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `json:"redis_db" mapstructure:"redis_db"`
	HistorySize   int    `json:"history_size" mapstructure:"history_size"`
	// IdleDays expires sessions without activity. Zero keeps them.
	IdleDays int `json:"idle_days" mapstructure:"idle_days"`
}

// LedgerConfig holds usage ledger configuration
type LedgerConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// CatalogConfig points at the tool fixtures. Empty uses the built-in demo data.
type CatalogConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:               18789,
			Host:               "127.0.0.1",
			RateLimit:          30,
			RateWindowSec:      60,
			StreamDefault:      true,
			ShutdownTimeoutSec: 30,
		},
		LLM: LLMConfig{
			Profiles:      []AIProfile{{ID: "local", Provider: "static"}},
			ActiveProfile: "local",
			Model:         "claude-sonnet-4",
			MaxTokens:     1024,
			Temperature:   0.7,
			MaxAttempts:   3,
			BaseDelayMs:   1000,
			MaxDelayMs:    10000,
		},
		Quota: QuotaConfig{
			DefaultLimit: 0,
			Tenants:      map[string]int64{},
			TokenBudget:  4096,
		},
		Session: SessionConfig{
			Backend:     "file",
			HistorySize: 10,
			IdleDays:    30,
		},
		Ledger: LedgerConfig{
			RetentionDays: 90,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  false,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "parley",
			SampleRatio: 1,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Gateway.RateLimit <= 0 {
		return fmt.Errorf("gateway rate_limit must be positive")
	}
	if c.Gateway.RateWindowSec <= 0 {
		return fmt.Errorf("gateway rate_window_sec must be positive")
	}

	if len(c.LLM.Profiles) == 0 {
		return fmt.Errorf("at least one llm profile must be configured")
	}
	if _, ok := c.LLM.Profile(); !ok {
		return fmt.Errorf("active llm profile %q not found", c.LLM.ActiveProfile)
	}
	for _, profile := range c.LLM.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("llm profile ID is required")
		}
		if !contains(validProviders, profile.Provider) {
			return fmt.Errorf("llm profile %s: invalid provider %s (must be: anthropic, openai, static)", profile.ID, profile.Provider)
		}
		if profile.Provider != "static" && profile.APIKey == "" {
			return fmt.Errorf("llm profile %s: API key is required", profile.ID)
		}
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm max_attempts must be at least 1")
	}

	if c.Quota.TokenBudget <= 0 {
		return fmt.Errorf("quota token_budget must be positive")
	}

	switch c.Session.Backend {
	case "file":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid session backend: %s (must be: file, redis)", c.Session.Backend)
	}

	return nil
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	masked.Session.RedisPassword = mask(c.Session.RedisPassword)
	masked.LLM.Profiles = make([]AIProfile, len(c.LLM.Profiles))
	for i, p := range c.LLM.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.LLM.Profiles[i] = p
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

var validProviders = []string{"anthropic", "openai", "static"}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
