// Package llm provides the completion clients the agent talks to: an
// OpenAI-compatible HTTP client (Groq by default), a Gemini client, and
// pacing and circuit-breaker wrappers.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyResponse is returned when the provider answers without content.
var ErrEmptyResponse = errors.New("no completion returned")

// Request is a single-turn completion request.
type Request struct {
	System      string
	User        string
	Temperature float64
	// MaxTokens caps the response. Zero uses the client default.
	MaxTokens int
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Name identifies the provider and model, e.g. "groq/llama-3.3-70b-versatile".
	Name() string
}

// withDefaultTimeout applies timeout when ctx has no deadline.
func withDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
