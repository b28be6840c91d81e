package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"sudodev/internal/logging"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero uses the default.
	Interval time.Duration
}

// BreakerClient fails fast once the wrapped provider keeps failing.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[string]
}

// NewBreakerClient wraps inner with a circuit breaker.
func NewBreakerClient(inner Client, cfg BreakerConfig) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.LLMWarn("circuit breaker %s: %s -> %s", name, from, to)
		},
		// A caller cancelling is not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerClient{inner: inner, breaker: cb}
}

// Complete implements Client.
func (b *BreakerClient) Complete(ctx context.Context, req Request) (string, error) {
	text, err := b.breaker.Execute(func() (string, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("provider %q circuit open: %w", b.inner.Name(), err)
		}
		return "", err
	}
	return text, nil
}

// Name implements Client.
func (b *BreakerClient) Name() string { return b.inner.Name() }

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State { return b.breaker.State() }
