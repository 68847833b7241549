package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowStore_AllowsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	store := NewWindowStore(testOptions(clock))
	defer store.Close()

	for _, want := range []int64{2, 1, 0} {
		res, err := store.CheckAndIncrement("user:1", 3, 60000)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}

	clock.Advance(10 * time.Second)
	res, err := store.CheckAndIncrement("user:1", 3, 60000)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, int64(50000), res.ResetInMs)
}

func TestWindowStore_DenyDoesNotCount(t *testing.T) {
	clock := newFakeClock()
	store := NewWindowStore(testOptions(clock))
	defer store.Close()

	_, err := store.CheckAndIncrement("k", 1, 1000)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := store.CheckAndIncrement("k", 1, 1000)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	}

	// Raising the limit admits exactly one more: denies were never counted.
	res, err := store.CheckAndIncrement("k", 2, 1000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestWindowStore_ResetsAtBoundary(t *testing.T) {
	clock := newFakeClock()
	store := NewWindowStore(testOptions(clock))
	defer store.Close()

	for i := 0; i < 2; i++ {
		_, err := store.CheckAndIncrement("k", 2, 1000)
		require.NoError(t, err)
	}

	clock.Advance(999 * time.Millisecond)
	res, err := store.CheckAndIncrement("k", 2, 1000)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(1), res.ResetInMs)

	clock.Advance(time.Millisecond)
	res, err = store.CheckAndIncrement("k", 2, 1000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Remaining)
	assert.Equal(t, int64(1000), res.ResetInMs)
}

func TestWindowStore_KeysAndWindowsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	store := NewWindowStore(testOptions(clock))
	defer store.Close()

	_, err := store.CheckAndIncrement("a", 1, 1000)
	require.NoError(t, err)

	res, err := store.CheckAndIncrement("b", 1, 1000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = store.CheckAndIncrement("a", 1, 60000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	assert.Equal(t, 2, store.Len())
}

func TestWindowStore_InvalidParameters(t *testing.T) {
	store := NewWindowStore(testOptions(newFakeClock()))
	defer store.Close()

	tests := []struct {
		name     string
		key      string
		limit    int64
		windowMs int64
	}{
		{"zero limit", "k", 0, 1000},
		{"negative limit", "k", -1, 1000},
		{"zero window", "k", 1, 0},
		{"empty key", "", 1, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CheckAndIncrement(tt.key, tt.limit, tt.windowMs)
			assert.ErrorIs(t, err, models.ErrInvalidParameter)
		})
	}
	assert.Equal(t, 0, store.Len())
}

func TestWindowStore_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	store := NewWindowStore(testOptions(newFakeClock()))
	defer store.Close()

	const limit = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.CheckAndIncrement("hot", limit, 60000)
			assert.NoError(t, err)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestWindowTx_PeekDoesNotCommit(t *testing.T) {
	store := NewWindowStore(testOptions(newFakeClock()))
	defer store.Close()

	err := store.Do("k", func(tx *WindowTx) error {
		for i := 0; i < 3; i++ {
			res := tx.Peek(1, 1000)
			assert.True(t, res.Allowed)
		}
		return nil
	})
	require.NoError(t, err)

	res, err := store.CheckAndIncrement("k", 1, 1000)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWindowStore_ManyKeys(t *testing.T) {
	store := NewWindowStore(testOptions(newFakeClock()))
	defer store.Close()

	for i := 0; i < 100; i++ {
		_, err := store.CheckAndIncrement(fmt.Sprintf("tenant-%d", i), 10, 1000)
		require.NoError(t, err)
	}
	assert.Equal(t, 100, store.Len())
}

func TestWindowStore_IdleEvictionKeepsOpenWindows(t *testing.T) {
	clock := newFakeClock()
	opts := keyed.Options{Shards: 1, IdleTTL: 30 * time.Minute, CleanupInterval: time.Hour, Now: clock.Now}
	store := NewWindowStore(opts)
	defer store.Close()

	res, err := store.CheckAndIncrement("tenant:send:day", 1, 86400000)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 0, store.table.EvictIdle())

	res, err = store.CheckAndIncrement("tenant:send:day", 1, 86400000)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "an open day window must survive idle eviction")

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, store.table.EvictIdle())
	assert.Equal(t, 0, store.Len())
}

func TestWindowStore_MaxKeysKeepsOpenWindows(t *testing.T) {
	clock := newFakeClock()
	store := NewWindowStore(keyed.Options{Shards: 1, MaxKeys: 1, Now: clock.Now})
	defer store.Close()

	_, err := store.CheckAndIncrement("hour:a", 1, 3600000)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.CheckAndIncrement("hour:b", 1, 3600000)
	require.NoError(t, err)

	res, err := store.CheckAndIncrement("hour:a", 1, 3600000)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, store.Len())
}

func TestWindowSet_ExpiredNeedsEveryWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set := &windowSet{windows: map[int64]*Window{
		60000:   {Count: 5, Start: start},
		3600000: {Count: 9, Start: start},
	}}

	assert.False(t, set.expired(start.Add(30*time.Second)))
	assert.False(t, set.expired(start.Add(time.Minute)))
	assert.True(t, set.expired(start.Add(time.Hour)))
	assert.True(t, (&windowSet{}).expired(start))
}
