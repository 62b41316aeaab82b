package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "static" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateQuotaLimits rejects negative tenant overrides. Zero means unlimited.
func (v *Validator) ValidateQuotaLimits(q QuotaConfig) error {
	for tenant, limit := range q.Tenants {
		if strings.TrimSpace(tenant) == "" {
			return fmt.Errorf("quota tenant id cannot be empty")
		}
		if limit < 0 {
			return fmt.Errorf("quota limit for %s must be >= 0, got %d", tenant, limit)
		}
	}
	if q.DefaultLimit < 0 {
		return fmt.Errorf("quota default_limit must be >= 0, got %d", q.DefaultLimit)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.LLM.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("llm profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}
	if cfg.LLM.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("llm: %w", err))
		}
	}
	if err := v.ValidateMaxTokens(cfg.LLM.MaxTokens); err != nil {
		errors = append(errors, fmt.Errorf("llm: %w", err))
	}
	if cfg.LLM.BaseDelayMs < 0 {
		errors = append(errors, fmt.Errorf("llm.base_delay_ms must be >= 0"))
	}
	if cfg.LLM.MaxDelayMs < cfg.LLM.BaseDelayMs {
		errors = append(errors, fmt.Errorf("llm.max_delay_ms must be >= base_delay_ms"))
	}

	if err := v.ValidateQuotaLimits(cfg.Quota); err != nil {
		errors = append(errors, err)
	}

	if cfg.Session.HistorySize < 0 {
		errors = append(errors, fmt.Errorf("session.history_size must be >= 0"))
	}
	if cfg.Session.IdleDays < 0 {
		errors = append(errors, fmt.Errorf("session.idle_days must be >= 0"))
	}
	if cfg.Ledger.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("ledger.retention_days must be >= 0"))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
