// Package models - API request types and input validation.
// This file defines the incoming requests of the engine's call contract.
//
// Validation Philosophy:
// - Requests check identifiers (keys, tenants, metrics) and fill defaults
// - Numeric bounds are enforced by the component that owns the invariant
// - Every failure wraps ErrInvalidParameter so callers can match it
package models

import (
	"fmt"
	"strings"
)

// RateLimitCheckRequest asks for one fixed-window check-and-increment.
type RateLimitCheckRequest struct {
	Key      string `json:"key"`
	Limit    int64  `json:"limit"`
	WindowMs int64  `json:"window_ms"`
}

// TokenBucketCheckRequest asks to spend Cost tokens from a bucket.
// A zero Cost means one token.
type TokenBucketCheckRequest struct {
	Key                 string  `json:"key"`
	MaxTokens           float64 `json:"max_tokens"`
	RefillRatePerSecond float64 `json:"refill_rate_per_second"`
	Cost                float64 `json:"cost,omitempty"`
}

type LockAcquireRequest struct {
	Key           string `json:"key"`
	MaxConcurrent int    `json:"max_concurrent"`
	TimeoutMs     int64  `json:"timeout_ms"`
}

type LockReleaseRequest struct {
	Key    string `json:"key"`
	LockID string `json:"lock_id"`
}

// UsageTrackRequest records Amount units of Metric. A zero Amount means one.
type UsageTrackRequest struct {
	Metric string `json:"metric"`
	Amount int64  `json:"amount,omitempty"`
}

// Tier is one window of a multi-tier check. Name is derived from WindowMs
// when empty.
type Tier struct {
	Name     string `json:"name,omitempty"`
	Limit    int64  `json:"limit"`
	WindowMs int64  `json:"window_ms"`
}

type MultiTierCheckRequest struct {
	Key   string `json:"key"`
	Tiers []Tier `json:"tiers"`
}

// BucketPolicy is the token bucket part of a composite gate policy.
type BucketPolicy struct {
	MaxTokens           float64 `json:"max_tokens"`
	RefillRatePerSecond float64 `json:"refill_rate_per_second"`
	Cost                float64 `json:"cost,omitempty"`
}

// UsagePolicy is the quota part of a composite gate policy.
type UsagePolicy struct {
	TenantID string `json:"tenant_id"`
	Metric   string `json:"metric"`
	Amount   int64  `json:"amount,omitempty"`
}

// EvaluateRequest is a composite admission policy: every present part must
// allow before any part commits.
type EvaluateRequest struct {
	Key    string        `json:"key"`
	Tiers  []Tier        `json:"tiers,omitempty"`
	Bucket *BucketPolicy `json:"bucket,omitempty"`
	Usage  *UsagePolicy  `json:"usage,omitempty"`
}

type SetPlanRequest struct {
	Plan string `json:"plan"`
}

func (r *RateLimitCheckRequest) Validate() error {
	return requireField("key", r.Key)
}

func (r *RateLimitCheckRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
}

func (r *TokenBucketCheckRequest) Validate() error {
	return requireField("key", r.Key)
}

func (r *TokenBucketCheckRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
	if r.Cost == 0 {
		r.Cost = 1
	}
}

func (r *LockAcquireRequest) Validate() error {
	return requireField("key", r.Key)
}

func (r *LockAcquireRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
}

func (r *LockReleaseRequest) Validate() error {
	if err := requireField("key", r.Key); err != nil {
		return err
	}
	return requireField("lock_id", r.LockID)
}

func (r *LockReleaseRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
	r.LockID = strings.TrimSpace(r.LockID)
}

func (r *UsageTrackRequest) Validate() error {
	return requireField("metric", r.Metric)
}

func (r *UsageTrackRequest) Normalize() {
	r.Metric = strings.TrimSpace(r.Metric)
	if r.Amount == 0 {
		r.Amount = 1
	}
}

func (r *MultiTierCheckRequest) Validate() error {
	if err := requireField("key", r.Key); err != nil {
		return err
	}
	if len(r.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidParameter)
	}
	return nil
}

func (r *MultiTierCheckRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
}

func (r *EvaluateRequest) Validate() error {
	if len(r.Tiers) == 0 && r.Bucket == nil && r.Usage == nil {
		return fmt.Errorf("%w: policy must contain tiers, a bucket or a usage check", ErrInvalidParameter)
	}
	if len(r.Tiers) > 0 || r.Bucket != nil {
		if err := requireField("key", r.Key); err != nil {
			return err
		}
	}
	if r.Usage != nil {
		if err := requireField("usage.tenant_id", r.Usage.TenantID); err != nil {
			return err
		}
		if err := requireField("usage.metric", r.Usage.Metric); err != nil {
			return err
		}
	}
	return nil
}

func (r *EvaluateRequest) Normalize() {
	r.Key = strings.TrimSpace(r.Key)
	if r.Bucket != nil && r.Bucket.Cost == 0 {
		r.Bucket.Cost = 1
	}
	if r.Usage != nil {
		r.Usage.TenantID = strings.TrimSpace(r.Usage.TenantID)
		r.Usage.Metric = strings.TrimSpace(r.Usage.Metric)
		if r.Usage.Amount == 0 {
			r.Usage.Amount = 1
		}
	}
}

func (r *SetPlanRequest) Validate() error {
	return requireField("plan", r.Plan)
}

func (r *SetPlanRequest) Normalize() {
	r.Plan = strings.TrimSpace(r.Plan)
}

// requireField rejects empty identifiers.
func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
	}
	return nil
}
