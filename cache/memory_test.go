package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetThenGetRoundTrips(t *testing.T) {
	m := NewMemory(0, EvictTTL, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestMemory_GetMissReturnsErrMiss(t *testing.T) {
	m := NewMemory(0, EvictTTL, 0)
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory(0, EvictTTL, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), 5*time.Millisecond))
	time.Sleep(15 * time.Millisecond)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemory_LRUEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMemory(2, EvictLRU, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	_, err := m.Get(ctx, "a") // touch a, making b the LRU victim
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, err = m.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "b was least recently used and should be evicted")
	_, err = m.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = m.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemory_LFUEvictsLeastFrequentlyUsed(t *testing.T) {
	m := NewMemory(2, EvictLFU, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	_, _ = m.Get(ctx, "a")
	_, _ = m.Get(ctx, "a")
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, err := m.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss, "b has the fewest hits and should be evicted")
}

func TestMemory_DeletePatternMatchesGlob(t *testing.T) {
	m := NewMemory(0, EvictTTL, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "query:res.partner:1", []byte("x"), 0))
	require.NoError(t, m.Set(ctx, "query:res.partner:2", []byte("x"), 0))
	require.NoError(t, m.Set(ctx, "query:res.user:1", []byte("x"), 0))

	require.NoError(t, m.DeletePattern(ctx, "query:res.partner:*"))

	_, err := m.Get(ctx, "query:res.partner:1")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = m.Get(ctx, "query:res.user:1")
	assert.NoError(t, err)
}

func TestMemory_StatsTracksHitsMissesAndEvictions(t *testing.T) {
	m := NewMemory(1, EvictLRU, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	_, _ = m.Get(ctx, "a")
	_, _ = m.Get(ctx, "missing")
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0)) // evicts a

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 1, stats.Size)
}

func TestMemory_ClearRemovesEverything(t *testing.T) {
	m := NewMemory(0, EvictTTL, 0)
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Clear(ctx))
	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}
