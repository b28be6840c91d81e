package config

import (
	"fmt"
	"time"
)

// Supported LLM providers.
const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// LLMConfig configures the completion provider.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // groq, openai, gemini
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           string        `yaml:"timeout"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerMinute int           `yaml:"requests_per_minute"` // 0 disables pacing
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the provider.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures"`
	Timeout     string `yaml:"timeout"`
}

func apiKeyEnv(provider string) string {
	switch provider {
	case ProviderGroq:
		return "GROQ_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	}
	return ""
}

// ResolvedModel returns the configured model or the provider default.
func (c LLMConfig) ResolvedModel() string {
	if c.Model != "" {
		return c.Model
	}
	switch c.Provider {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderGemini:
		return "gemini-2.5-flash"
	default:
		return "llama-3.3-70b-versatile"
	}
}

// ResolvedBaseURL returns the configured base URL or the provider default.
// Gemini does not use a base URL.
func (c LLMConfig) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	switch c.Provider {
	case ProviderGroq:
		return "https://api.groq.com/openai/v1"
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	}
	return ""
}

// RequireAPIKey returns the key or an error naming the variable to set.
func (c LLMConfig) RequireAPIKey() (string, error) {
	if c.APIKey != "" {
		return c.APIKey, nil
	}
	return "", fmt.Errorf("%w: set %s in .env or the environment", ErrMissingAPIKey, apiKeyEnv(c.Provider))
}

// GetTimeout returns the per-request timeout as a duration.
func (c LLMConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 120*time.Second)
}

// GetBreakerTimeout returns how long the breaker stays open.
func (c LLMConfig) GetBreakerTimeout() time.Duration {
	return parseDuration(c.Breaker.Timeout, 30*time.Second)
}
