package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"sudodev/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// stubClient returns queued results in order.
type stubClient struct {
	mu      sync.Mutex
	calls   int
	results []error
}

func (s *stubClient) Name() string { return "stub/model" }

func (s *stubClient) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return "ok", nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	if err != nil {
		return "", err
	}
	return "ok", nil
}

func TestBreakerClient_OpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("boom")
	stub := &stubClient{results: []error{boom, boom, boom}}
	b := NewBreakerClient(stub, BreakerConfig{MaxFailures: 2, Timeout: time.Hour})
	assert.Equal(t, "stub/model", b.Name())

	for i := 0; i < 2; i++ {
		_, err := b.Complete(context.Background(), Request{})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 2, stub.calls, "open breaker must not reach the provider")
}

func TestBreakerClient_CancellationDoesNotTrip(t *testing.T) {
	stub := &stubClient{results: []error{context.Canceled, context.Canceled, context.Canceled}}
	b := NewBreakerClient(stub, BreakerConfig{MaxFailures: 2})

	for i := 0; i < 3; i++ {
		_, err := b.Complete(context.Background(), Request{})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestRateLimitedClient(t *testing.T) {
	stub := &stubClient{}
	assert.Same(t, Client(stub), NewRateLimitedClient(stub, 0))

	limited := NewRateLimitedClient(stub, 60)
	assert.Equal(t, "stub/model", limited.Name())

	out, err := limited.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	// The single burst token is spent; the next call must wait ~1s.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limited.Complete(ctx, Request{})
	assert.ErrorContains(t, err, "rate limiter")
	assert.Equal(t, 1, stub.calls)
}

func TestNew(t *testing.T) {
	_, err := New(context.Background(), config.LLMConfig{Provider: config.ProviderGroq})
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)

	c, err := New(context.Background(), config.LLMConfig{
		Provider:          config.ProviderGroq,
		APIKey:            "k",
		RequestsPerMinute: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "groq/llama-3.3-70b-versatile", c.Name())
	_, isBreaker := c.(*BreakerClient)
	assert.True(t, isBreaker)

	c, err = New(context.Background(), config.LLMConfig{Provider: config.ProviderOpenAI, APIKey: "k", Model: "gpt-x"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-x", c.Name())

	_, err = New(context.Background(), config.LLMConfig{Provider: "nope", APIKey: "k"})
	assert.Error(t, err)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), GeminiConfig{})
	assert.ErrorContains(t, err, "API key")
}
