package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the
// defaults with PARLEY_* environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	// Setup viper
	v := viper.New()
	v.SetConfigType("json")

	// Read environment variables, e.g. PARLEY_GATEWAY_PORT.
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Unmarshal into config struct
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "parley.log")
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(cfg.DataDir, "ledger.db")
	}

	return cfg, nil
}

// bindDefaults registers every scalar key so AutomaticEnv can override keys
// absent from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("gateway.rate_limit", cfg.Gateway.RateLimit)
	v.SetDefault("gateway.rate_window_sec", cfg.Gateway.RateWindowSec)
	v.SetDefault("gateway.stream_default", cfg.Gateway.StreamDefault)
	v.SetDefault("gateway.shutdown_timeout_sec", cfg.Gateway.ShutdownTimeoutSec)

	v.SetDefault("llm.active_profile", cfg.LLM.ActiveProfile)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.max_tokens", cfg.LLM.MaxTokens)
	v.SetDefault("llm.temperature", cfg.LLM.Temperature)
	v.SetDefault("llm.max_attempts", cfg.LLM.MaxAttempts)
	v.SetDefault("llm.base_delay_ms", cfg.LLM.BaseDelayMs)
	v.SetDefault("llm.max_delay_ms", cfg.LLM.MaxDelayMs)
	v.SetDefault("llm.routing_model", cfg.LLM.RoutingModel)

	v.SetDefault("quota.default_limit", cfg.Quota.DefaultLimit)
	v.SetDefault("quota.token_budget", cfg.Quota.TokenBudget)

	v.SetDefault("session.backend", cfg.Session.Backend)
	v.SetDefault("session.dir", cfg.Session.Dir)
	v.SetDefault("session.redis_addr", cfg.Session.RedisAddr)
	v.SetDefault("session.redis_password", cfg.Session.RedisPassword)
	v.SetDefault("session.redis_db", cfg.Session.RedisDB)
	v.SetDefault("session.history_size", cfg.Session.HistorySize)
	v.SetDefault("session.idle_days", cfg.Session.IdleDays)

	v.SetDefault("ledger.path", cfg.Ledger.Path)
	v.SetDefault("ledger.retention_days", cfg.Ledger.RetentionDays)
	v.SetDefault("catalog.path", cfg.Catalog.Path)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("gateway", cfg.Gateway)
	v.Set("llm", cfg.LLM)
	v.Set("quota", cfg.Quota)
	v.Set("session", cfg.Session)
	v.Set("ledger", cfg.Ledger)
	v.Set("catalog", cfg.Catalog)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, err := l.path()
	if err != nil {
		return ""
	}
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".parley", "parley.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
