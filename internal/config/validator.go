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

var supportedProviders = []string{"gemini", "anthropic", "openai"}

// Validate checks the whole configuration for consistency
func (v *Validator) Validate(cfg *Config) error {
	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		return err
	}
	if err := v.ValidateProvider(cfg.Model.Provider); err != nil {
		return err
	}
	if cfg.Model.Name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if cfg.Model.Timeout <= 0 {
		return fmt.Errorf("model timeout must be positive, got %d", cfg.Model.Timeout)
	}
	if cfg.Model.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// ValidateProvider validates a model provider name
func (v *Validator) ValidateProvider(provider string) error {
	for _, p := range supportedProviders {
		if provider == p {
			return nil
		}
	}
	return fmt.Errorf("unsupported provider: %s (supported: %s)",
		provider, strings.Join(supportedProviders, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
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
