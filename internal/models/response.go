// Package models - API response types and error handling.
// This file defines the verdicts returned by the engine and the JSON error body.
//
// Response Design Principles:
// - A deny is a normal verdict (Allowed=false) with retry hints, never an error
// - Retry hints are whole milliseconds
// - Degraded marks verdicts produced while the durable store was failing
// - Error bodies carry a machine-readable code
package models

import (
	"time"
)

// WindowResult is the verdict of a fixed-window check.
type WindowResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	ResetInMs int64 `json:"reset_in_ms"`
}

// BucketResult is the verdict of a token bucket consume.
type BucketResult struct {
	Allowed         bool    `json:"allowed"`
	TokensRemaining float64 `json:"tokens_remaining"`
	RetryAfterMs    int64   `json:"retry_after_ms"`
}

type LockAcquireResult struct {
	Acquired bool   `json:"acquired"`
	LockID   string `json:"lock_id,omitempty"`
	Current  int    `json:"current"`
	Max      int    `json:"max"`
	Degraded bool   `json:"degraded,omitempty"`
}

// LockReleaseResult reports whether a matching lock was removed. Releasing an
// unknown or expired lock is not an error.
type LockReleaseResult struct {
	Released bool `json:"released"`
	Degraded bool `json:"degraded,omitempty"`
}

type UsageTrackResult struct {
	Metric   string `json:"metric"`
	NewValue int64  `json:"new_value"`
	Degraded bool   `json:"degraded,omitempty"`
}

// QuotaResult is a quota verdict. Limit and Remaining are -1 for unlimited
// metrics.
type QuotaResult struct {
	Allowed   bool  `json:"allowed"`
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
	Degraded  bool  `json:"degraded,omitempty"`
}

// QuotaConsumeResult is the verdict of a check-and-track. NewValue is the
// counter after the call, unchanged on a deny.
type QuotaConsumeResult struct {
	QuotaResult
	Metric   string `json:"metric"`
	NewValue int64  `json:"new_value"`
}

// TierResult is one tier's share of a multi-tier verdict. On an overall
// allow Remaining is the post-increment value; otherwise nothing was committed.
type TierResult struct {
	Name      string `json:"name"`
	Allowed   bool   `json:"allowed"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	ResetInMs int64  `json:"reset_in_ms"`
}

type MultiTierResult struct {
	Allowed      bool         `json:"allowed"`
	BlockedTier  string       `json:"blocked_tier,omitempty"`
	RetryAfterMs int64        `json:"retry_after_ms,omitempty"`
	PerTier      []TierResult `json:"per_tier"`
}

// Blocking parts of a composite evaluation.
const (
	BlockedByTier   = "tier"
	BlockedByBucket = "bucket"
	BlockedByQuota  = "quota"
)

type EvaluateResult struct {
	Allowed      bool             `json:"allowed"`
	BlockedBy    string           `json:"blocked_by,omitempty"`
	RetryAfterMs int64            `json:"retry_after_ms,omitempty"`
	Tiers        *MultiTierResult `json:"tiers,omitempty"`
	Bucket       *BucketResult    `json:"bucket,omitempty"`
	Quota        *QuotaResult     `json:"quota,omitempty"`
	Degraded     bool             `json:"degraded,omitempty"`
}

type ResetUsageResponse struct {
	TenantID string      `json:"tenant_id"`
	Archived UsagePeriod `json:"archived"`
	Current  UsagePeriod `json:"current"`
}

type UsageHistoryResponse struct {
	TenantID string        `json:"tenant_id"`
	Periods  []UsagePeriod `json:"periods"`
}

type PlansResponse struct {
	SchemaVersion string                `json:"schema_version"`
	DefaultPlan   string                `json:"default_plan"`
	Plans         map[string]PlanLimits `json:"plans"`
}

// ErrorResponse provides structured error information.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Standard HTTP Error Codes
//
// Error Code Strategy:
// - Upper-case with underscores for consistency
// - Maps to standard HTTP status codes
// - Machine-readable for client error handling
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Malformed request body
	ErrorCodeInvalidParameter   = "INVALID_PARAMETER"   // 400: Non-positive limit, window, rate...
	ErrorCodeUnknownPlan        = "UNKNOWN_PLAN"        // 422: Plan tier not in catalog
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeForbidden          = "FORBIDDEN"           // 403: Permission denied
	ErrorCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"  // 405: Wrong HTTP method
	ErrorCodeStorageUnavailable = "STORAGE_UNAVAILABLE" // 503: Durable store failing
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Admission limit on the API itself
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
