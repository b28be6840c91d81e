package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudodev/internal/usage"
)

func testClient(url string) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		Provider:   "groq",
		APIKey:     "test-key",
		BaseURL:    url + "/",
		Model:      "llama-test",
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	})
}

func chatReply(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama-test", body.Model)
		assert.Equal(t, 8192, body.MaxTokens)
		assert.InDelta(t, 0.2, body.Temperature, 1e-9)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "user", body.Messages[1].Role)

		fmt.Fprint(w, chatReply("  ```python\nprint(1)\n```  "))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	assert.Equal(t, "groq/llama-test", c.Name())

	out, err := c.Complete(context.Background(), Request{System: "sys", User: "fix it", Temperature: 0.2, MaxTokens: 8192})
	require.NoError(t, err)
	assert.Equal(t, "```python\nprint(1)\n```", out)
}

func TestOpenAIClient_OmitsEmptySystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body OpenAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 1)
		assert.Equal(t, 4096, body.MaxTokens)
		fmt.Fprint(w, chatReply("ok"))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
}

func TestOpenAIClient_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, chatReply("done"))
		}
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Complete(context.Background(), Request{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_MaxRetriesExceeded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), Request{User: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Invalid API Key"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), Request{User: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), Request{User: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIClient_MissingKey(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{})
	assert.Equal(t, "groq/llama-3.3-70b-versatile", c.Name())
	_, err := c.Complete(context.Background(), Request{User: "x"})
	assert.ErrorContains(t, err, "API key not configured")
}

func TestOpenAIClient_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: 3, Backoff: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Complete(ctx, Request{User: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpenAIClient_RecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":120,"completion_tokens":30}}`)
	}))
	defer srv.Close()

	tracker, err := usage.NewTracker(t.TempDir())
	require.NoError(t, err)
	ctx := usage.WithPhase(usage.WithInstance(usage.NewContext(context.Background(), tracker), "x__x-1"), "fix")

	_, err = testClient(srv.URL).Complete(ctx, Request{User: "hi"})
	require.NoError(t, err)

	stats := tracker.Stats()
	assert.Equal(t, usage.TokenCounts{Calls: 1, Input: 120, Output: 30, Total: 150}, stats.Total)
	assert.Equal(t, int64(150), stats.ByModel["llama-test"].Total)
	assert.Equal(t, int64(150), stats.ByPhase["fix"].Total)
	assert.Equal(t, int64(150), stats.ByInstance["x__x-1"].Total)
}

func TestOpenAIClient_TimeoutIsPerAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Hang until the client gives up on this attempt.
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		fmt.Fprint(w, chatReply("second try"))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{
		APIKey:     "k",
		BaseURL:    srv.URL,
		MaxRetries: 2,
		Timeout:    200 * time.Millisecond,
		Backoff:    time.Millisecond,
	})

	out, err := c.Complete(context.Background(), Request{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "second try", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
