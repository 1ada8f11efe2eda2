package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidjournal/statesync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	store, err := New(DefaultConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := statesync.CoreRecord{
		ID:            "optimism",
		Value:         0.73,
		LastUpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Insights: []statesync.Insight{
			{ID: "morning-pages", RelevanceScore: 0.9},
			{ID: "walk", RelevanceScore: 0.4},
		},
	}
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, "optimism")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestPutReplacesInsights(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := statesync.CoreRecord{
		ID: "calm", Value: 0.5, LastUpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Insights: []statesync.Insight{{ID: "old", RelevanceScore: 0.2}},
	}
	require.NoError(t, store.Put(ctx, rec))

	rec.Insights = []statesync.Insight{{ID: "new", RelevanceScore: 0.8}}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "calm")
	require.NoError(t, err)
	require.Len(t, got.Insights, 1)
	assert.Equal(t, "new", got.Insights[0].ID, "Put is a full replace, stale insights must not linger")
}

func TestListOrderedWithInsights(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for _, id := range []string{"optimism", "calm", "focus"} {
		require.NoError(t, store.Put(ctx, statesync.CoreRecord{
			ID: id, Value: 0.1, LastUpdatedAt: ts,
			Insights: []statesync.Insight{{ID: id + "-i", RelevanceScore: 0.5}},
		}))
	}

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "calm", got[0].ID)
	for _, rec := range got {
		assert.Len(t, rec.Insights, 1)
	}
}

func TestInsightsSortedByRelevance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, statesync.CoreRecord{
		ID: "energy", Value: 0.4, LastUpdatedAt: time.Now().UTC(),
		Insights: []statesync.Insight{
			{ID: "low", RelevanceScore: 0.1},
			{ID: "high", RelevanceScore: 0.9},
			{ID: "mid", RelevanceScore: 0.5},
		},
	}))

	got, err := store.Get(ctx, "energy")
	require.NoError(t, err)
	require.Len(t, got.Insights, 3)
	assert.Equal(t, []string{"high", "mid", "low"},
		[]string{got.Insights[0].ID, got.Insights[1].ID, got.Insights[2].ID})
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	_, err := store.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = store.Put(context.Background(), statesync.CoreRecord{ID: "x"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
