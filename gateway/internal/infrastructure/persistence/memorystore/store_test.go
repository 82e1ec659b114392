package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlite/gateway/internal/domain/memory"
)

func TestRememberAndRecallKeywordOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := New(memory.NewInMemoryVectorStore(), nil, Config{Now: func() time.Time { return now }})

	_, err := store.Remember(context.Background(), "the deploy pipeline uses buildkite", "doc", nil)
	require.NoError(t, err)
	_, err = store.Remember(context.Background(), "the cat sat on the mat", "doc", nil)
	require.NoError(t, err)

	results, err := store.Recall(context.Background(), "buildkite pipeline", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "buildkite")
}

func TestRecallAppliesMinScoreThreshold(t *testing.T) {
	now := time.Now()
	store := New(memory.NewInMemoryVectorStore(), nil, Config{Now: func() time.Time { return now }, MinScore: 0.9})

	_, err := store.Remember(context.Background(), "something about deployment", "doc", nil)
	require.NoError(t, err)

	results, err := store.Recall(context.Background(), "deployment", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecallDecaysOlderEntries(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := New(memory.NewInMemoryVectorStore(), nil, Config{Now: func() time.Time { return now }, MinScore: 0})

	oldStore := New(memory.NewInMemoryVectorStore(), nil, Config{Now: func() time.Time { return now.AddDate(0, -6, 0) }, MinScore: 0})
	entry, err := oldStore.Remember(context.Background(), "old incident report about outage", "doc", nil)
	require.NoError(t, err)
	require.NoError(t, store.store.Insert(context.Background(), entry))

	fresh, err := store.Remember(context.Background(), "recent incident report about outage", "doc", nil)
	require.NoError(t, err)
	_ = fresh

	results, err := store.Recall(context.Background(), "incident report outage", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Content, "recent")
}

func TestConsolidateSkipsShortTurns(t *testing.T) {
	store := New(memory.NewInMemoryVectorStore(), nil, Config{})
	require.NoError(t, store.Consolidate(context.Background(), "s1", "user", "hi"))

	results, err := store.Recall(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConsolidateStoresLongTurns(t *testing.T) {
	store := New(memory.NewInMemoryVectorStore(), nil, Config{MinScore: 0})
	require.NoError(t, store.Consolidate(context.Background(), "s1", "user", "please remember to rotate the database credentials"))

	results, err := store.Recall(context.Background(), "rotate database credentials", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
}
