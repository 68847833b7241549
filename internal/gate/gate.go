// Package gate composes the window, bucket and quota checks into single
// all-or-nothing admission decisions.
//
// Every check runs in two phases. First each part is peeked without changing
// state; only if all parts allow is anything committed. A denied request
// therefore never consumes capacity in a part that would have allowed it.
package gate

import (
	"context"
	"fmt"

	"quotaengine/internal/models"
	"quotaengine/internal/ratelimit"
	"quotaengine/internal/usage"
)

// Gate evaluates composite policies. Lock order is always window key, then
// bucket key, then tenant, so concurrent evaluations cannot deadlock.
type Gate struct {
	windows *ratelimit.WindowStore
	buckets *ratelimit.BucketStore
	ledger  *usage.Ledger
}

func New(windows *ratelimit.WindowStore, buckets *ratelimit.BucketStore, ledger *usage.Ledger) *Gate {
	return &Gate{windows: windows, buckets: buckets, ledger: ledger}
}

// CheckMultiTier admits one request against every tier of key or against
// none. The first denying tier in caller order is reported as BlockedTier.
func (g *Gate) CheckMultiTier(key string, tiers []models.Tier) (models.MultiTierResult, error) {
	if err := validateTiers(tiers); err != nil {
		return models.MultiTierResult{}, err
	}

	var result models.MultiTierResult
	err := g.windows.Do(key, func(tx *ratelimit.WindowTx) error {
		result = peekTiers(tx, tiers)
		if result.Allowed {
			commitTiers(tx, tiers)
		}
		return nil
	})
	return result, err
}

// Evaluate admits one request against a composite policy: the window tiers
// and token bucket of req.Key, then the usage quota of a tenant. The quota
// is only consulted once tiers and bucket allow, since checking it commits.
func (g *Gate) Evaluate(ctx context.Context, req models.EvaluateRequest) (models.EvaluateResult, error) {
	if len(req.Tiers) > 0 {
		if err := validateTiers(req.Tiers); err != nil {
			return models.EvaluateResult{}, err
		}
	}
	if b := req.Bucket; b != nil {
		if err := ratelimit.ValidateBucket(b.MaxTokens, b.RefillRatePerSecond, b.Cost); err != nil {
			return models.EvaluateResult{}, err
		}
	}
	if len(req.Tiers) == 0 && req.Bucket == nil && req.Usage == nil {
		return models.EvaluateResult{}, fmt.Errorf("%w: empty policy", models.ErrInvalidParameter)
	}

	var result models.EvaluateResult
	err := g.withWindows(req, func(wtx *ratelimit.WindowTx) error {
		return g.withBucket(req, func(btx *ratelimit.BucketTx) error {
			var err error
			result, err = g.evaluate(ctx, req, wtx, btx)
			return err
		})
	})
	return result, err
}

func (g *Gate) evaluate(ctx context.Context, req models.EvaluateRequest, wtx *ratelimit.WindowTx, btx *ratelimit.BucketTx) (models.EvaluateResult, error) {
	result := models.EvaluateResult{Allowed: true}

	if wtx != nil {
		tiers := peekTiers(wtx, req.Tiers)
		result.Tiers = &tiers
		if !tiers.Allowed {
			return deny(result, models.BlockedByTier, tiers.RetryAfterMs), nil
		}
	}

	if btx != nil {
		b := req.Bucket
		bucket := btx.Peek(b.MaxTokens, b.RefillRatePerSecond, b.Cost)
		result.Bucket = &bucket
		if !bucket.Allowed {
			uncommitted(result.Tiers)
			return deny(result, models.BlockedByBucket, bucket.RetryAfterMs), nil
		}
	}

	if u := req.Usage; u != nil {
		quota, err := g.ledger.CheckAndTrackUsage(ctx, u.TenantID, u.Metric, u.Amount)
		if err != nil {
			return models.EvaluateResult{}, err
		}
		result.Quota = &quota
		result.Degraded = quota.Degraded
		if !quota.Allowed {
			uncommitted(result.Tiers)
			if result.Bucket != nil {
				result.Bucket.TokensRemaining += req.Bucket.Cost
			}
			return deny(result, models.BlockedByQuota, 0), nil
		}
	}

	if wtx != nil {
		commitTiers(wtx, req.Tiers)
	}
	if btx != nil {
		committed := btx.Commit(req.Bucket.Cost)
		result.Bucket = &committed
	}
	return result, nil
}

func (g *Gate) withWindows(req models.EvaluateRequest, fn func(*ratelimit.WindowTx) error) error {
	if len(req.Tiers) == 0 {
		return fn(nil)
	}
	return g.windows.Do(req.Key, fn)
}

func (g *Gate) withBucket(req models.EvaluateRequest, fn func(*ratelimit.BucketTx) error) error {
	if req.Bucket == nil {
		return fn(nil)
	}
	return g.buckets.Do(req.Key, fn)
}

func deny(result models.EvaluateResult, blockedBy string, retryAfterMs int64) models.EvaluateResult {
	result.Allowed = false
	result.BlockedBy = blockedBy
	result.RetryAfterMs = retryAfterMs
	return result
}

// peekTiers evaluates every tier without committing. On an overall deny the
// remaining count of each tier is its current headroom, since nothing will
// be committed.
func peekTiers(tx *ratelimit.WindowTx, tiers []models.Tier) models.MultiTierResult {
	result := models.MultiTierResult{Allowed: true, PerTier: make([]models.TierResult, len(tiers))}

	for i, tier := range tiers {
		peek := tx.Peek(tier.Limit, tier.WindowMs)
		result.PerTier[i] = models.TierResult{
			Name:      TierName(tier),
			Allowed:   peek.Allowed,
			Limit:     tier.Limit,
			Remaining: peek.Remaining,
			ResetInMs: peek.ResetInMs,
		}
		if !peek.Allowed && result.Allowed {
			result.Allowed = false
			result.BlockedTier = result.PerTier[i].Name
			result.RetryAfterMs = peek.ResetInMs
		}
	}

	if !result.Allowed {
		uncommitted(&result)
	}
	return result
}

// uncommitted turns the post-increment remaining counts of allowing tiers
// back into current headroom, for verdicts that commit nothing.
func uncommitted(tiers *models.MultiTierResult) {
	if tiers == nil {
		return
	}
	for i := range tiers.PerTier {
		if tiers.PerTier[i].Allowed {
			tiers.PerTier[i].Remaining++
		}
	}
}

func commitTiers(tx *ratelimit.WindowTx, tiers []models.Tier) {
	for _, tier := range tiers {
		tx.Commit(tier.WindowMs)
	}
}

// validateTiers checks every tier and rejects two tiers with the same window,
// which would share one counter.
func validateTiers(tiers []models.Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", models.ErrInvalidParameter)
	}
	seen := make(map[int64]bool, len(tiers))
	for _, tier := range tiers {
		if err := ratelimit.ValidateWindow(tier.Limit, tier.WindowMs); err != nil {
			return fmt.Errorf("tier %s: %w", TierName(tier), err)
		}
		if seen[tier.WindowMs] {
			return fmt.Errorf("%w: duplicate tier window %dms", models.ErrInvalidParameter, tier.WindowMs)
		}
		seen[tier.WindowMs] = true
	}
	return nil
}

// TierName returns the caller's name for tier, or one derived from its window.
func TierName(tier models.Tier) string {
	if tier.Name != "" {
		return tier.Name
	}
	switch tier.WindowMs {
	case 1000:
		return "second"
	case 60 * 1000:
		return "minute"
	case 60 * 60 * 1000:
		return "hour"
	case 24 * 60 * 60 * 1000:
		return "day"
	default:
		return fmt.Sprintf("%dms", tier.WindowMs)
	}
}
