package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sudodev/internal/logging"
	"sudodev/internal/usage"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	Provider   string // label used in Name(), e.g. "groq"
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxTokens  int
	MaxRetries int
	// Backoff is the first retry delay; it doubles on every retry.
	Backoff time.Duration
}

// DefaultGroqConfig returns the Groq defaults.
func DefaultGroqConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		Provider:   "groq",
		APIKey:     apiKey,
		BaseURL:    "https://api.groq.com/openai/v1",
		Model:      "llama-3.3-70b-versatile",
		Timeout:    120 * time.Second,
		MaxTokens:  4096,
		MaxRetries: 3,
		Backoff:    time.Second,
	}
}

// OpenAIMessage is a chat message.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIRequest is the /chat/completions request body.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

// OpenAIResponse is the /chat/completions response body.
type OpenAIResponse struct {
	Choices []struct {
		Message      OpenAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// APIError is a non-retryable HTTP error from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// OpenAIClient implements Client for OpenAI-compatible APIs.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIClient creates a new client. Zero fields fall back to the Groq defaults.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	def := DefaultGroqConfig(cfg.APIKey)
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string {
	return c.cfg.Provider + "/" + c.cfg.Model
}

// Complete implements Client. Rate limits, server errors, transport
// failures and attempts that exceed the configured timeout are retried with
// exponential backoff until ctx is done.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("%s: API key not configured", c.cfg.Provider)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	var messages []OpenAIMessage
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, OpenAIMessage{Role: "user", Content: req.User})

	payload, err := json.Marshal(OpenAIRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	logging.LLMDebug("[%s] Complete: system_len=%d user_len=%d temp=%.2f", c.Name(), len(req.System), len(req.User), req.Temperature)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff * time.Duration(1<<uint(attempt-1))
			logging.LLMWarn("[%s] retry %d/%d in %s: %v", c.Name(), attempt, c.cfg.MaxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%s: %w (last error: %v)", c.cfg.Provider, ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		// Timeout bounds one round trip; ctx bounds the whole retry loop.
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		out, retry, err := c.do(attemptCtx, payload)
		cancel()
		if err == nil {
			logging.LLM("[%s] completed in %v response_len=%d tokens=%d/%d", c.Name(), time.Since(start), len(out.text), out.input, out.output)
			usage.Record(ctx, c.cfg.Provider, c.cfg.Model, out.input, out.output)
			return out.text, nil
		}
		if !retry || ctx.Err() != nil {
			logging.LLMError("[%s] request failed: %v", c.Name(), err)
			return "", err
		}
		lastErr = err
	}

	logging.LLMError("[%s] max retries exceeded after %v: %v", c.Name(), time.Since(start), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

type completion struct {
	text          string
	input, output int
}

// do performs one HTTP round trip. retry reports whether the failure is transient.
func (c *OpenAIClient) do(ctx context.Context, payload []byte) (out completion, retry bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return completion{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return completion{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return completion{}, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return completion{}, true, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return completion{}, false, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed OpenAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return completion{}, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return completion{}, false, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return completion{}, false, ErrEmptyResponse
	}
	return completion{
		text:   strings.TrimSpace(parsed.Choices[0].Message.Content),
		input:  parsed.Usage.PromptTokens,
		output: parsed.Usage.CompletionTokens,
	}, false, nil
}

// IsRetryable reports whether err came from a transient provider failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return false
}
