package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotaengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_AcquireUpToMax(t *testing.T) {
	clock := newFakeClock()
	store := newFlakyStore(t)
	locks := NewLockTable(store, testOptions(clock), false)
	defer locks.Close()
	ctx := context.Background()

	first, err := locks.Acquire(ctx, "report", 2, 30000)
	require.NoError(t, err)
	assert.True(t, first.Acquired)
	assert.NotEmpty(t, first.LockID)
	assert.Equal(t, 1, first.Current)
	assert.Equal(t, 2, first.Max)

	second, err := locks.Acquire(ctx, "report", 2, 30000)
	require.NoError(t, err)
	assert.True(t, second.Acquired)
	assert.NotEqual(t, first.LockID, second.LockID)

	third, err := locks.Acquire(ctx, "report", 2, 30000)
	require.NoError(t, err)
	assert.False(t, third.Acquired)
	assert.Empty(t, third.LockID)
	assert.Equal(t, 2, third.Current)
}

func TestLockTable_ReleaseFreesSlot(t *testing.T) {
	locks := NewLockTable(newFlakyStore(t), testOptions(newFakeClock()), false)
	defer locks.Close()
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "export", 1, 30000)
	require.NoError(t, err)
	require.True(t, held.Acquired)

	rel, err := locks.Release(ctx, "export", held.LockID)
	require.NoError(t, err)
	assert.True(t, rel.Released)

	again, err := locks.Acquire(ctx, "export", 1, 30000)
	require.NoError(t, err)
	assert.True(t, again.Acquired)
}

func TestLockTable_ReleaseIsIdempotent(t *testing.T) {
	locks := NewLockTable(newFlakyStore(t), testOptions(newFakeClock()), false)
	defer locks.Close()
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "k", 1, 30000)
	require.NoError(t, err)

	_, err = locks.Release(ctx, "k", held.LockID)
	require.NoError(t, err)

	rel, err := locks.Release(ctx, "k", held.LockID)
	require.NoError(t, err)
	assert.False(t, rel.Released)

	rel, err = locks.Release(ctx, "k", "never-issued")
	require.NoError(t, err)
	assert.False(t, rel.Released)
}

func TestLockTable_ExpiredLeasesArePruned(t *testing.T) {
	clock := newFakeClock()
	locks := NewLockTable(newFlakyStore(t), testOptions(clock), false)
	defer locks.Close()
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "k", 1, 1000)
	require.NoError(t, err)

	clock.Advance(999 * time.Millisecond)
	res, err := locks.Acquire(ctx, "k", 1, 1000)
	require.NoError(t, err)
	assert.False(t, res.Acquired)

	clock.Advance(time.Millisecond)
	res, err = locks.Acquire(ctx, "k", 1, 1000)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, 1, res.Current)
}

func TestLockTable_PersistsAndReloads(t *testing.T) {
	clock := newFakeClock()
	store := newFlakyStore(t)
	ctx := context.Background()

	first := NewLockTable(store, testOptions(clock), false)
	held, err := first.Acquire(ctx, "job", 1, 60000)
	require.NoError(t, err)
	first.Close()

	data, err := store.Get(ctx, "locks/job")
	require.NoError(t, err)
	var stored []models.Lock
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, held.LockID, stored[0].ID)

	// A fresh table sees the lease written by the first one.
	second := NewLockTable(store, testOptions(clock), false)
	defer second.Close()
	res, err := second.Acquire(ctx, "job", 1, 60000)
	require.NoError(t, err)
	assert.False(t, res.Acquired)

	rel, err := second.Release(ctx, "job", held.LockID)
	require.NoError(t, err)
	assert.True(t, rel.Released)
}

func TestLockTable_FailClosedRollsBack(t *testing.T) {
	store := newFlakyStore(t)
	locks := NewLockTable(store, testOptions(newFakeClock()), false)
	defer locks.Close()
	ctx := context.Background()

	store.failPut.Store(true)
	_, err := locks.Acquire(ctx, "k", 1, 30000)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)

	n, err := locks.Held(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	store.failPut.Store(false)
	res, err := locks.Acquire(ctx, "k", 1, 30000)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.False(t, res.Degraded)

	store.failPut.Store(true)
	_, err = locks.Release(ctx, "k", res.LockID)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)

	n, err = locks.Held(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLockTable_FailOpenKeepsChange(t *testing.T) {
	store := newFlakyStore(t)
	locks := NewLockTable(store, testOptions(newFakeClock()), true)
	defer locks.Close()
	ctx := context.Background()

	store.failPut.Store(true)
	res, err := locks.Acquire(ctx, "k", 1, 30000)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.True(t, res.Degraded)

	n, err := locks.Held(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLockTable_LoadFailure(t *testing.T) {
	store := newFlakyStore(t)
	locks := NewLockTable(store, testOptions(newFakeClock()), true)
	defer locks.Close()

	store.failGet.Store(true)
	_, err := locks.Acquire(context.Background(), "k", 1, 30000)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)

	store.failGet.Store(false)
	res, err := locks.Acquire(context.Background(), "k", 1, 30000)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestLockTable_InvalidParameters(t *testing.T) {
	locks := NewLockTable(newFlakyStore(t), testOptions(newFakeClock()), false)
	defer locks.Close()
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "", 1, 1000)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = locks.Acquire(ctx, "k", 0, 1000)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = locks.Acquire(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
	_, err = locks.Release(ctx, "k", "")
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestLockTable_ConcurrentAcquireNeverExceedsMax(t *testing.T) {
	store := newFlakyStore(t)
	locks := NewLockTable(store, testOptions(newFakeClock()), false)
	defer locks.Close()
	ctx := context.Background()

	const maxConcurrent = 3
	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		ids     sync.Map
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := locks.Acquire(ctx, "render", maxConcurrent, 30000)
			if err != nil || !res.Acquired {
				return
			}
			assert.LessOrEqual(t, res.Current, maxConcurrent)
			_, dup := ids.LoadOrStore(res.LockID, true)
			assert.False(t, dup)
			granted.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(maxConcurrent), granted.Load())
	held, err := locks.Held(ctx, "render")
	require.NoError(t, err)
	assert.Equal(t, maxConcurrent, held)

	data, err := store.Get(ctx, lockKeyPrefix+"render")
	require.NoError(t, err)
	var persisted []models.Lock
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Len(t, persisted, maxConcurrent)
}
