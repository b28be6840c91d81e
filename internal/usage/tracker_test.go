package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAggregatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	require.NoError(t, err)

	ctx := NewContext(context.Background(), tracker)
	ctx = WithInstance(ctx, "django__django-11001")
	Record(WithPhase(ctx, "reproduce"), "groq", "llama-3.3-70b-versatile", 10, 5)
	Record(WithPhase(ctx, "fix"), "groq", "llama-3.3-70b-versatile", 2, 3)

	stats := tracker.Stats()
	assert.Equal(t, TokenCounts{Calls: 2, Input: 12, Output: 8, Total: 20}, stats.Total)
	assert.Equal(t, int64(20), stats.ByProvider["groq"].Total)
	assert.Equal(t, int64(20), stats.ByModel["llama-3.3-70b-versatile"].Total)
	assert.Equal(t, int64(2), stats.ByInstance["django__django-11001"].Calls)
	assert.Equal(t, int64(15), stats.ByPhase["reproduce"].Total)
	assert.Equal(t, int64(5), stats.ByPhase["fix"].Total)

	require.NoError(t, tracker.Save())
	raw, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	require.NoError(t, err)
	var persisted Data
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, int64(20), persisted.Aggregate.Total.Total)

	reopened, err := NewTracker(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(20), reopened.Stats().Total.Total)
}

func TestRecordWithoutTracker(t *testing.T) {
	assert.NotPanics(t, func() {
		Record(context.Background(), "groq", "m", 1, 1)
	})
}

func TestUntaggedCallsAreUnknown(t *testing.T) {
	tracker, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	Record(NewContext(context.Background(), tracker), "", "", 1, 2)
	stats := tracker.Stats()
	assert.Equal(t, int64(3), stats.ByInstance["unknown"].Total)
	assert.Equal(t, int64(3), stats.ByPhase["unknown"].Total)
}

func TestSaveSkipsWhenClean(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	require.NoError(t, err)
	require.NoError(t, tracker.Save())
	assert.NoFileExists(t, filepath.Join(dir, "usage.json"))
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usage.json"), []byte("{not json"), 0644))
	tracker, err := NewTracker(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tracker.Stats().Total.Total)
	assert.NotNil(t, tracker.Stats().ByPhase)
}

func TestConcurrentTrack(t *testing.T) {
	tracker, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	ctx := NewContext(context.Background(), tracker)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Record(ctx, "groq", "m", 1, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), tracker.Stats().Total.Calls)
}
