package llm

import (
	"context"
	"fmt"

	"sudodev/internal/config"
)

// New builds the configured provider client wrapped in pacing and a breaker.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	key, err := cfg.RequireAPIKey()
	if err != nil {
		return nil, err
	}

	var base Client
	switch cfg.Provider {
	case config.ProviderGroq, config.ProviderOpenAI:
		base = NewOpenAIClient(OpenAIConfig{
			Provider:   cfg.Provider,
			APIKey:     key,
			BaseURL:    cfg.ResolvedBaseURL(),
			Model:      cfg.ResolvedModel(),
			Timeout:    cfg.GetTimeout(),
			MaxTokens:  cfg.MaxTokens,
			MaxRetries: 3,
		})
	case config.ProviderGemini:
		g, err := NewGeminiClient(ctx, GeminiConfig{
			APIKey:    key,
			Model:     cfg.ResolvedModel(),
			Timeout:   cfg.GetTimeout(),
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		base = g
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	paced := NewRateLimitedClient(base, cfg.RequestsPerMinute)
	return NewBreakerClient(paced, BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.GetBreakerTimeout(),
	}), nil
}
