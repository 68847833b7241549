package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
	"quotaengine/internal/ratelimit"
	"quotaengine/internal/storage"
	"quotaengine/internal/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	gate    *Gate
	windows *ratelimit.WindowStore
	buckets *ratelimit.BucketStore
	ledger  *usage.Ledger
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	opts := keyed.Options{Shards: 4, Now: clock.Now}

	store, err := storage.NewMemoryStore(storage.Config{})
	require.NoError(t, err)
	catalog, err := usage.NewCatalog(usage.PlanFile{
		SchemaVersion: "1.0.0",
		DefaultPlan:   "free",
		Plans: map[string]models.PlanLimits{
			"free": {models.MetricAIQueries: 2},
		},
	})
	require.NoError(t, err)

	f := &fixture{
		windows: ratelimit.NewWindowStore(opts),
		buckets: ratelimit.NewBucketStore(opts),
		ledger:  usage.NewLedger(store, catalog, opts, usage.Config{}),
		clock:   clock,
	}
	f.gate = New(f.windows, f.buckets, f.ledger)
	t.Cleanup(func() {
		f.windows.Close()
		f.buckets.Close()
		f.ledger.Close(context.Background())
	})
	return f
}

var minuteAndHour = []models.Tier{
	{Limit: 2, WindowMs: 60000},
	{Limit: 10, WindowMs: 3600000},
}

func TestCheckMultiTier_AllAllow(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.CheckMultiTier("tenant:send", minuteAndHour)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.BlockedTier)
	require.Len(t, res.PerTier, 2)
	assert.Equal(t, "minute", res.PerTier[0].Name)
	assert.Equal(t, int64(1), res.PerTier[0].Remaining)
	assert.Equal(t, "hour", res.PerTier[1].Name)
	assert.Equal(t, int64(9), res.PerTier[1].Remaining)
}

func TestCheckMultiTier_BlockedTierCommitsNothing(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		res, err := f.gate.CheckMultiTier("tenant:send", minuteAndHour)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	f.clock.Advance(15 * time.Second)
	res, err := f.gate.CheckMultiTier("tenant:send", minuteAndHour)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.BlockedTier)
	assert.Equal(t, int64(45000), res.RetryAfterMs)
	assert.False(t, res.PerTier[0].Allowed)
	assert.True(t, res.PerTier[1].Allowed)
	// Current headroom of the hour tier, with nothing committed.
	assert.Equal(t, int64(8), res.PerTier[1].Remaining)

	// Two requests counted in the hour, so the next allow leaves 7.
	err = f.windows.Do("tenant:send", func(tx *ratelimit.WindowTx) error {
		peek := tx.Peek(10, 3600000)
		assert.Equal(t, int64(7), peek.Remaining)
		return nil
	})
	require.NoError(t, err)
}

func TestCheckMultiTier_FirstDenyingTierInCallerOrder(t *testing.T) {
	f := newFixture(t)

	tiers := []models.Tier{
		{Name: "burst", Limit: 1, WindowMs: 1000},
		{Name: "sustained", Limit: 1, WindowMs: 60000},
	}
	_, err := f.gate.CheckMultiTier("k", tiers)
	require.NoError(t, err)

	res, err := f.gate.CheckMultiTier("k", tiers)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "burst", res.BlockedTier)

	// The per-second window resets; the per-minute one blocks.
	f.clock.Advance(time.Second)
	res, err = f.gate.CheckMultiTier("k", tiers)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "sustained", res.BlockedTier)
	assert.Equal(t, int64(59000), res.RetryAfterMs)
}

func TestCheckMultiTier_InvalidTiers(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		tiers []models.Tier
	}{
		{"no tiers", nil},
		{"zero limit", []models.Tier{{Limit: 0, WindowMs: 1000}}},
		{"zero window", []models.Tier{{Limit: 1, WindowMs: 0}}},
		{"duplicate window", []models.Tier{{Limit: 1, WindowMs: 1000}, {Limit: 5, WindowMs: 1000}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.gate.CheckMultiTier("k", tt.tiers)
			assert.ErrorIs(t, err, models.ErrInvalidParameter)
		})
	}
}

func TestEvaluate_AllPartsAllow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, models.EvaluateRequest{
		Key:    "acme:ai",
		Tiers:  []models.Tier{{Limit: 5, WindowMs: 60000}},
		Bucket: &models.BucketPolicy{MaxTokens: 10, RefillRatePerSecond: 1, Cost: 4},
		Usage:  &models.UsagePolicy{TenantID: "acme", Metric: models.MetricAIQueries, Amount: 1},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.BlockedBy)
	require.NotNil(t, res.Tiers)
	assert.Equal(t, int64(4), res.Tiers.PerTier[0].Remaining)
	require.NotNil(t, res.Bucket)
	assert.InDelta(t, 6.0, res.Bucket.TokensRemaining, 1e-9)
	require.NotNil(t, res.Quota)
	assert.Equal(t, int64(1), res.Quota.Used)
	assert.Equal(t, int64(1), res.Quota.Remaining)
}

func TestEvaluate_BucketDenyCommitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := models.EvaluateRequest{
		Key:    "acme:ai",
		Tiers:  []models.Tier{{Limit: 5, WindowMs: 60000}},
		Bucket: &models.BucketPolicy{MaxTokens: 10, RefillRatePerSecond: 1, Cost: 6},
		Usage:  &models.UsagePolicy{TenantID: "acme", Metric: models.MetricAIQueries, Amount: 1},
	}
	_, err := f.gate.Evaluate(ctx, req)
	require.NoError(t, err)

	res, err := f.gate.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.BlockedByBucket, res.BlockedBy)
	assert.Equal(t, int64(2000), res.RetryAfterMs)
	assert.Nil(t, res.Quota)
	assert.Equal(t, int64(4), res.Tiers.PerTier[0].Remaining)

	// Neither the tier nor the quota counted the denied request.
	q, err := f.ledger.CheckQuota(ctx, "acme", models.MetricAIQueries)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Used)

	win, err := f.windows.CheckAndIncrement("acme:ai", 5, 60000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), win.Remaining)
}

func TestEvaluate_QuotaDenyCommitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := models.EvaluateRequest{
		Key:    "acme:ai",
		Bucket: &models.BucketPolicy{MaxTokens: 10, RefillRatePerSecond: 1, Cost: 1},
		Usage:  &models.UsagePolicy{TenantID: "acme", Metric: models.MetricAIQueries, Amount: 1},
	}
	for i := 0; i < 2; i++ {
		res, err := f.gate.Evaluate(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := f.gate.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.BlockedByQuota, res.BlockedBy)
	assert.InDelta(t, 8.0, res.Bucket.TokensRemaining, 1e-9)

	bucket, err := f.buckets.Consume("acme:ai", 10, 1, 1)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, bucket.TokensRemaining, 1e-9)
}

func TestEvaluate_UsageOnly(t *testing.T) {
	f := newFixture(t)

	res, err := f.gate.Evaluate(context.Background(), models.EvaluateRequest{
		Usage: &models.UsagePolicy{TenantID: "solo", Metric: models.MetricAIQueries, Amount: 3},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, models.BlockedByQuota, res.BlockedBy)
	assert.Nil(t, res.Tiers)
	assert.Nil(t, res.Bucket)
}

func TestEvaluate_InvalidPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Evaluate(ctx, models.EvaluateRequest{Key: "k"})
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, err = f.gate.Evaluate(ctx, models.EvaluateRequest{
		Key:    "k",
		Bucket: &models.BucketPolicy{MaxTokens: 1, RefillRatePerSecond: 1, Cost: 2},
	})
	assert.ErrorIs(t, err, models.ErrInvalidParameter)

	_, err = f.gate.Evaluate(ctx, models.EvaluateRequest{
		Tiers: []models.Tier{{Limit: 1, WindowMs: 1000}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestTierName(t *testing.T) {
	tests := []struct {
		tier models.Tier
		want string
	}{
		{models.Tier{WindowMs: 1000}, "second"},
		{models.Tier{WindowMs: 60000}, "minute"},
		{models.Tier{WindowMs: 3600000}, "hour"},
		{models.Tier{WindowMs: 86400000}, "day"},
		{models.Tier{WindowMs: 1500}, "1500ms"},
		{models.Tier{Name: "custom", WindowMs: 60000}, "custom"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, TierName(tt.tier))
		})
	}
}
