package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"sudodev/internal/config"
	"sudodev/internal/logging"
	"sudodev/internal/usage"
)

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey    string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// GeminiClient implements Client on the official genai SDK.
type GeminiClient struct {
	cli *genai.Client
	cfg GeminiConfig
}

// NewGeminiClient creates a Gemini client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{cli: cli, cfg: cfg}, nil
}

// Name implements Client.
func (g *GeminiClient) Name() string {
	return "gemini/" + g.cfg.Model
}

// Complete implements Client.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	temp := float32(req.Temperature)
	genCfg := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(maxTokens),
	}
	if strings.TrimSpace(req.System) != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	start := time.Now()
	resp, err := g.cli.Models.GenerateContent(ctx, g.cfg.Model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.User}}}},
		genCfg,
	)
	if err != nil {
		logging.LLMError("[%s] request failed: %v", g.Name(), err)
		return "", fmt.Errorf("gemini: %w", err)
	}

	text := geminiText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	in, out := geminiTokens(resp)
	logging.LLM("[%s] completed in %v response_len=%d tokens=%d/%d", g.Name(), time.Since(start), len(text), in, out)
	usage.Record(ctx, config.ProviderGemini, g.cfg.Model, in, out)
	return text, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func geminiTokens(resp *genai.GenerateContentResponse) (input, output int) {
	if resp == nil || resp.UsageMetadata == nil {
		return 0, 0
	}
	return int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount)
}
