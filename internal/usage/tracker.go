package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sudodev/internal/logging"
)

const fileName = "usage.json"

type (
	trackerKey  struct{}
	instanceKey struct{}
	phaseKey    struct{}
)

// Tracker records token usage. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	data     Data
	filePath string
	dirty    bool
}

// NewTracker opens the usage file under stateDir, starting empty when the
// file is missing or unreadable.
func NewTracker(stateDir string) (*Tracker, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	t := &Tracker{
		filePath: filepath.Join(stateDir, fileName),
		data:     Data{Version: "1.0", Aggregate: newAggregate()},
	}
	if err := t.load(); err != nil {
		logging.Get(logging.CategoryLLM).Warn("Ignoring unreadable usage file %s: %v", t.filePath, err)
		t.data = Data{Version: "1.0", Aggregate: newAggregate()}
	}
	return t, nil
}

// Path returns the usage file location.
func (t *Tracker) Path() string { return t.filePath }

func (t *Tracker) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &t.data); err != nil {
		return err
	}

	agg := &t.data.Aggregate
	if agg.ByProvider == nil {
		agg.ByProvider = make(map[string]TokenCounts)
	}
	if agg.ByModel == nil {
		agg.ByModel = make(map[string]TokenCounts)
	}
	if agg.ByInstance == nil {
		agg.ByInstance = make(map[string]TokenCounts)
	}
	if agg.ByPhase == nil {
		agg.ByPhase = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage file when something changed since the last save.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}
	t.data.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.filePath); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

// Track adds one event to the aggregates.
func (t *Tracker) Track(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := &t.data.Aggregate
	agg.Total.Add(e.InputTokens, e.OutputTokens)
	addToMap(agg.ByProvider, orUnknown(e.Provider), e.InputTokens, e.OutputTokens)
	addToMap(agg.ByModel, orUnknown(e.Model), e.InputTokens, e.OutputTokens)
	addToMap(agg.ByInstance, orUnknown(e.InstanceID), e.InputTokens, e.OutputTokens)
	addToMap(agg.ByPhase, orUnknown(e.Phase), e.InputTokens, e.OutputTokens)
	t.dirty = true
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyCounts(stats.ByProvider)
	stats.ByModel = copyCounts(stats.ByModel)
	stats.ByInstance = copyCounts(stats.ByInstance)
	stats.ByPhase = copyCounts(stats.ByPhase)
	return stats
}

func copyCounts(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int) {
	entry := m[key]
	entry.Add(input, output)
	m[key] = entry
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// NewContext returns a context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// FromContext returns the tracker carried by ctx, or nil.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

// WithInstance tags calls made under ctx with an instance id.
func WithInstance(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceKey{}, instanceID)
}

// WithPhase tags calls made under ctx with a pipeline phase.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// Record tracks a call against the tracker in ctx, if any, using the
// instance and phase tags of ctx.
func Record(ctx context.Context, provider, model string, input, output int) {
	t := FromContext(ctx)
	if t == nil {
		return
	}
	instance, _ := ctx.Value(instanceKey{}).(string)
	phase, _ := ctx.Value(phaseKey{}).(string)
	t.Track(Event{
		Provider:     provider,
		Model:        model,
		InputTokens:  input,
		OutputTokens: output,
		InstanceID:   instance,
		Phase:        phase,
	})
}
