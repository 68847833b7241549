package ratelimit

import (
	"math"
	"testing"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStore_BurstThenRetry(t *testing.T) {
	clock := newFakeClock()
	store := NewBucketStore(testOptions(clock))
	defer store.Close()

	res, err := store.Consume("ai:acme", 10, 1, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 5.0, res.TokensRemaining, 1e-9)

	res, err = store.Consume("ai:acme", 10, 1, 6)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 5.0, res.TokensRemaining, 1e-9)
	assert.Equal(t, int64(1000), res.RetryAfterMs)

	clock.Advance(time.Second)
	res, err = store.Consume("ai:acme", 10, 1, 6)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.0, res.TokensRemaining, 1e-9)
}

func TestBucketStore_RefillIsCapped(t *testing.T) {
	clock := newFakeClock()
	store := NewBucketStore(testOptions(clock))
	defer store.Close()

	_, err := store.Consume("k", 10, 2, 10)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	res, err := store.Consume("k", 10, 2, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 9.0, res.TokensRemaining, 1e-9)
}

func TestBucketStore_RetryRoundsUp(t *testing.T) {
	clock := newFakeClock()
	store := NewBucketStore(testOptions(clock))
	defer store.Close()

	_, err := store.Consume("k", 3, 3, 3)
	require.NoError(t, err)

	res, err := store.Consume("k", 3, 3, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	// 1 token at 3/s is 333.33ms.
	assert.Equal(t, int64(334), res.RetryAfterMs)
}

func TestBucketStore_FractionalRefill(t *testing.T) {
	clock := newFakeClock()
	store := NewBucketStore(testOptions(clock))
	defer store.Close()

	_, err := store.Consume("k", 1, 0.5, 1)
	require.NoError(t, err)

	clock.Advance(time.Second)
	res, err := store.Consume("k", 1, 0.5, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 0.5, res.TokensRemaining, 1e-9)
	assert.Equal(t, int64(1000), res.RetryAfterMs)
}

func TestBucketStore_TokensStayInRange(t *testing.T) {
	clock := newFakeClock()
	store := NewBucketStore(testOptions(clock))
	defer store.Close()

	for i := 0; i < 50; i++ {
		res, err := store.Consume("k", 4, 10, 1.5)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.TokensRemaining, 0.0)
		assert.LessOrEqual(t, res.TokensRemaining, 4.0)
		clock.Advance(37 * time.Millisecond)
	}
}

func TestBucketStore_InvalidParameters(t *testing.T) {
	store := NewBucketStore(testOptions(newFakeClock()))
	defer store.Close()

	tests := []struct {
		name                  string
		maxTokens, rate, cost float64
	}{
		{"zero capacity", 0, 1, 1},
		{"negative rate", 10, -1, 1},
		{"zero rate", 10, 0, 1},
		{"zero cost", 10, 1, 0},
		{"cost above capacity", 10, 1, 11},
		{"NaN capacity", math.NaN(), 1, 1},
		{"infinite rate", 10, math.Inf(1), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Consume("k", tt.maxTokens, tt.rate, tt.cost)
			assert.ErrorIs(t, err, models.ErrInvalidParameter)
		})
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-3, 10))
	assert.Equal(t, 10.0, clamp(12, 10))
	assert.Equal(t, 4.5, clamp(4.5, 10))
}

func TestBucketStore_IdleEvictionKeepsRefillingBuckets(t *testing.T) {
	clock := newFakeClock()
	store := NewBucketStore(keyed.Options{Shards: 1, IdleTTL: 30 * time.Minute, CleanupInterval: time.Hour, Now: clock.Now})
	defer store.Close()

	perDay := 10.0 / 86400
	res, err := store.Consume("exports:acme", 10, perDay, 10)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 0, store.table.EvictIdle())

	res, err = store.Consume("exports:acme", 10, perDay, 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "a draining bucket must not come back full")

	// once refilled it is the same as a new bucket and may go
	clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, store.table.EvictIdle())
	assert.Equal(t, 0, store.Len())

	res, err = store.Consume("exports:acme", 10, perDay, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestBucket_Full(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &Bucket{Tokens: 4, LastRefill: now, started: true, maxTokens: 10, rate: 2}

	assert.False(t, b.Full(now))
	assert.False(t, b.Full(now.Add(2*time.Second)))
	assert.True(t, b.Full(now.Add(3*time.Second)))
	assert.True(t, (&Bucket{}).Full(now))
}
