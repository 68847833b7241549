package ratelimit

import (
	"context"
	"math"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
)

// Bucket is a token bucket with continuous refill. Tokens always stay in
// [0, maxTokens] of the most recent call.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
	started    bool
	// capacity and rate of the most recent call, used to tell when the
	// bucket has refilled completely
	maxTokens float64
	rate      float64
}

// Full reports whether the bucket holds maxTokens at now. A full bucket is
// indistinguishable from a new one, so it can be dropped from memory.
func (b *Bucket) Full(now time.Time) bool {
	if !b.started {
		return true
	}
	elapsed := max(0, now.Sub(b.LastRefill).Seconds())
	return b.Tokens+elapsed*b.rate >= b.maxTokens
}

// BucketStore is the token bucket store. Buckets are created full on first
// use and refilled lazily on every call.
type BucketStore struct {
	table *keyed.Table[Bucket]
	now   func() time.Time
}

func NewBucketStore(opts keyed.Options) *BucketStore {
	return &BucketStore{
		table: keyed.New[Bucket](opts, keyed.Hooks[Bucket]{CanEvict: (*Bucket).Full}),
		now:   clockOf(opts),
	}
}

// Consume spends cost tokens from the bucket of key if it holds enough.
// On a deny, RetryAfterMs is the time until the shortfall has refilled.
func (s *BucketStore) Consume(key string, maxTokens, refillRatePerSecond, cost float64) (models.BucketResult, error) {
	if err := ValidateBucket(maxTokens, refillRatePerSecond, cost); err != nil {
		return models.BucketResult{}, err
	}
	var result models.BucketResult
	err := s.Do(key, func(tx *BucketTx) error {
		result = tx.Peek(maxTokens, refillRatePerSecond, cost)
		if result.Allowed {
			result = tx.Commit(cost)
		}
		return nil
	})
	return result, err
}

// Do runs fn with the bucket of key held.
func (s *BucketStore) Do(key string, fn func(tx *BucketTx) error) error {
	if err := requireKey(key); err != nil {
		return err
	}
	return s.table.Do(context.Background(), key, func(b *Bucket) error {
		return fn(&BucketTx{bucket: b, now: s.now()})
	})
}

func (s *BucketStore) Len() int {
	return s.table.Len()
}

func (s *BucketStore) Close() {
	s.table.Close()
}

// BucketTx is the view of one bucket inside Do.
type BucketTx struct {
	bucket    *Bucket
	now       time.Time
	maxTokens float64
}

// Peek refills the bucket up to now and reports whether cost tokens are
// available, without spending them. Refilling only moves LastRefill forward
// and never changes the outcome of a later call, so it is safe on a deny.
func (tx *BucketTx) Peek(maxTokens, refillRatePerSecond, cost float64) models.BucketResult {
	b := tx.bucket
	tx.maxTokens = maxTokens
	b.maxTokens = maxTokens
	b.rate = refillRatePerSecond

	if !b.started {
		b.Tokens = maxTokens
		b.LastRefill = tx.now
		b.started = true
	}

	elapsed := tx.now.Sub(b.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.Tokens = clamp(b.Tokens+elapsed*refillRatePerSecond, maxTokens)
	b.LastRefill = tx.now

	if b.Tokens >= cost {
		return models.BucketResult{Allowed: true, TokensRemaining: b.Tokens - cost}
	}
	retry := math.Ceil((cost - b.Tokens) / refillRatePerSecond * 1000)
	return models.BucketResult{Allowed: false, TokensRemaining: b.Tokens, RetryAfterMs: int64(retry)}
}

// Commit spends cost tokens. It must follow an allowing Peek in the same Do.
func (tx *BucketTx) Commit(cost float64) models.BucketResult {
	b := tx.bucket
	b.Tokens = clamp(b.Tokens-cost, tx.maxTokens)
	return models.BucketResult{Allowed: true, TokensRemaining: b.Tokens}
}

func clamp(tokens, maxTokens float64) float64 {
	return math.Max(0, math.Min(maxTokens, tokens))
}

// ValidateBucket rejects non-positive capacities, rates and costs, and costs
// that no amount of refill could ever satisfy.
func ValidateBucket(maxTokens, refillRatePerSecond, cost float64) error {
	if !(maxTokens > 0) || math.IsInf(maxTokens, 0) {
		return invalid("max_tokens must be > 0, got %v", maxTokens)
	}
	if !(refillRatePerSecond > 0) || math.IsInf(refillRatePerSecond, 0) {
		return invalid("refill_rate_per_second must be > 0, got %v", refillRatePerSecond)
	}
	if !(cost > 0) {
		return invalid("cost must be > 0, got %v", cost)
	}
	if cost > maxTokens {
		return invalid("cost %v exceeds max_tokens %v", cost, maxTokens)
	}
	return nil
}
