// Package usage accounts LLM token usage per provider, model, instance and
// pipeline phase, persisted as JSON in the state directory.
package usage

import "time"

// Data is the persisted document.
type Data struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// Event is one completed LLM call.
type Event struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	InstanceID   string
	Phase        string
}

// AggregatedStats holds counters broken down by dimension.
type AggregatedStats struct {
	Total      TokenCounts            `json:"total"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByInstance map[string]TokenCounts `json:"by_instance"`
	ByPhase    map[string]TokenCounts `json:"by_phase"` // reproduce, locate, fix, retry
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Calls  int64 `json:"calls"`
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Calls++
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByProvider: make(map[string]TokenCounts),
		ByModel:    make(map[string]TokenCounts),
		ByInstance: make(map[string]TokenCounts),
		ByPhase:    make(map[string]TokenCounts),
	}
}
