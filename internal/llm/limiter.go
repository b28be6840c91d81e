package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient paces requests to stay under a provider's per-minute quota.
type RateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimitedClient allows requestsPerMinute with a burst of one.
// A non-positive rate returns inner unchanged.
func NewRateLimitedClient(inner Client, requestsPerMinute int) Client {
	if requestsPerMinute <= 0 {
		return inner
	}
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
	}
}

// Complete implements Client.
func (c *RateLimitedClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return c.inner.Complete(ctx, req)
}

// Name implements Client.
func (c *RateLimitedClient) Name() string { return c.inner.Name() }
