package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quotaengine/internal/gate"
	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
	"quotaengine/internal/ratelimit"
	"quotaengine/internal/storage"
	"quotaengine/internal/usage"
)

// Check names used when recording decisions.
const (
	CheckRateLimit   = "ratelimit"
	CheckTokenBucket = "bucket"
	CheckLock        = "lock"
	CheckQuota       = "quota"
	CheckMultiTier   = "multi_tier"
	CheckEvaluate    = "evaluate"
)

// Decision outcomes used when recording decisions.
const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultDegraded = "degraded"
	ResultError    = "error"
)

// DecisionRecorder observes the outcome and latency of every check.
type DecisionRecorder interface {
	ObserveDecision(check, result string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string, string, time.Duration) {}

// Option configures a Service.
type Option func(*Service)

// WithDecisionMetrics records every check in rec.
func WithDecisionMetrics(rec DecisionRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithClock replaces the wall clock of every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service wires the limiters, the usage ledger and the gate behind one
// validated API.
type Service struct {
	windows *ratelimit.WindowStore
	buckets *ratelimit.BucketStore
	locks   *ratelimit.LockTable
	ledger  *usage.Ledger
	catalog *usage.Catalog
	gate    *gate.Gate
	store   storage.Store

	failOpen bool
	metrics  DecisionRecorder
	now      func() time.Time
}

// NewService builds every component on top of store and catalog. Close must
// be called to flush pending usage.
func NewService(store storage.Store, catalog *usage.Catalog, limits models.LimitsConfig, usageCfg models.UsageConfig, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalog:  catalog,
		failOpen: limits.FailOpen,
		metrics:  nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	kopts := KeyedOptions(limits, s.now)
	s.windows = ratelimit.NewWindowStore(kopts)
	s.buckets = ratelimit.NewBucketStore(kopts)
	s.locks = ratelimit.NewLockTable(store, kopts, limits.FailOpen)
	s.ledger = usage.NewLedger(store, catalog, kopts, usage.Config{
		FlushEvery: usageCfg.FlushEvery,
		FailOpen:   limits.FailOpen,
	})
	s.gate = gate.New(s.windows, s.buckets, s.ledger)
	return s
}

// KeyedOptions maps the limits section onto the keyed table options shared
// by every component.
func KeyedOptions(limits models.LimitsConfig, now func() time.Time) keyed.Options {
	return keyed.Options{
		Shards:          limits.Shards,
		MaxKeys:         limits.MaxKeys,
		IdleTTL:         limits.IdleTTL,
		CleanupInterval: limits.CleanupInterval,
		Now:             now,
	}
}

// Ledger exposes the usage ledger for period rotation.
func (s *Service) Ledger() *usage.Ledger {
	return s.ledger
}

// Ping checks the durable store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close flushes the ledger and stops the janitors. The store itself is owned
// by the caller.
func (s *Service) Close(ctx context.Context) error {
	err := s.ledger.Close(ctx)
	s.windows.Close()
	s.buckets.Close()
	s.locks.Close()
	if err != nil {
		return fmt.Errorf("failed to flush usage ledger: %w", err)
	}
	return nil
}

func (s *Service) CheckRateLimit(ctx context.Context, req *models.RateLimitCheckRequest) (*models.WindowResult, error) {
	start := s.now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(CheckRateLimit, start, "invalid request", err)
	}

	result, err := s.windows.CheckAndIncrement(req.Key, req.Limit, req.WindowMs)
	if err != nil {
		return nil, s.fail(CheckRateLimit, start, "failed to check rate limit", err)
	}
	s.observe(CheckRateLimit, start, result.Allowed, false)
	return &result, nil
}

func (s *Service) ConsumeTokens(ctx context.Context, req *models.TokenBucketCheckRequest) (*models.BucketResult, error) {
	start := s.now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(CheckTokenBucket, start, "invalid request", err)
	}

	result, err := s.buckets.Consume(req.Key, req.MaxTokens, req.RefillRatePerSecond, req.Cost)
	if err != nil {
		return nil, s.fail(CheckTokenBucket, start, "failed to consume tokens", err)
	}
	s.observe(CheckTokenBucket, start, result.Allowed, false)
	return &result, nil
}

func (s *Service) AcquireLock(ctx context.Context, req *models.LockAcquireRequest) (*models.LockAcquireResult, error) {
	start := s.now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(CheckLock, start, "invalid request", err)
	}

	result, err := s.locks.Acquire(ctx, req.Key, req.MaxConcurrent, req.TimeoutMs)
	if err != nil {
		if s.canFailOpen(err) {
			s.warnFailOpen(CheckLock, req.Key, err)
			s.metrics.ObserveDecision(CheckLock, ResultDegraded, s.now().Sub(start))
			return &models.LockAcquireResult{Acquired: true, Max: req.MaxConcurrent, Degraded: true}, nil
		}
		return nil, s.fail(CheckLock, start, "failed to acquire lock", err)
	}
	s.observe(CheckLock, start, result.Acquired, result.Degraded)
	return &result, nil
}

func (s *Service) ReleaseLock(ctx context.Context, req *models.LockReleaseRequest) (*models.LockReleaseResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, wrapError("invalid request", err)
	}

	result, err := s.locks.Release(ctx, req.Key, req.LockID)
	if err != nil {
		return nil, wrapError("failed to release lock", err)
	}
	return &result, nil
}

func (s *Service) TrackUsage(ctx context.Context, tenantID string, req *models.UsageTrackRequest) (*models.UsageTrackResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, wrapError("invalid request", err)
	}

	result, err := s.ledger.TrackUsage(ctx, tenantID, req.Metric, req.Amount)
	if err != nil {
		if s.canFailOpen(err) {
			s.warnFailOpen("track_usage", tenantID, err)
			return &models.UsageTrackResult{Metric: req.Metric, Degraded: true}, nil
		}
		return nil, wrapError("failed to track usage", err)
	}
	return &result, nil
}

func (s *Service) CheckQuota(ctx context.Context, tenantID, metric string) (*models.QuotaResult, error) {
	start := s.now()
	result, err := s.ledger.CheckQuota(ctx, tenantID, metric)
	if err != nil {
		if s.canFailOpen(err) {
			s.warnFailOpen(CheckQuota, tenantID, err)
			s.metrics.ObserveDecision(CheckQuota, ResultDegraded, s.now().Sub(start))
			return degradedQuota(), nil
		}
		return nil, s.fail(CheckQuota, start, "failed to check quota", err)
	}
	s.observe(CheckQuota, start, result.Allowed, result.Degraded)
	return &result, nil
}

func (s *Service) ConsumeQuota(ctx context.Context, tenantID string, req *models.UsageTrackRequest) (*models.QuotaConsumeResult, error) {
	start := s.now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(CheckQuota, start, "invalid request", err)
	}

	result, err := s.ledger.CheckAndTrackUsage(ctx, tenantID, req.Metric, req.Amount)
	if err != nil {
		if s.canFailOpen(err) {
			s.warnFailOpen(CheckQuota, tenantID, err)
			s.metrics.ObserveDecision(CheckQuota, ResultDegraded, s.now().Sub(start))
			return &models.QuotaConsumeResult{QuotaResult: *degradedQuota(), Metric: req.Metric}, nil
		}
		return nil, s.fail(CheckQuota, start, "failed to consume quota", err)
	}
	s.observe(CheckQuota, start, result.Allowed, result.Degraded)
	return &models.QuotaConsumeResult{QuotaResult: result, Metric: req.Metric, NewValue: result.Used}, nil
}

func (s *Service) CheckMultiTier(ctx context.Context, req *models.MultiTierCheckRequest) (*models.MultiTierResult, error) {
	start := s.now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(CheckMultiTier, start, "invalid request", err)
	}

	result, err := s.gate.CheckMultiTier(req.Key, req.Tiers)
	if err != nil {
		return nil, s.fail(CheckMultiTier, start, "failed to check tiers", err)
	}
	s.observe(CheckMultiTier, start, result.Allowed, false)
	return &result, nil
}

func (s *Service) Evaluate(ctx context.Context, req *models.EvaluateRequest) (*models.EvaluateResult, error) {
	start := s.now()
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, s.fail(CheckEvaluate, start, "invalid request", err)
	}

	result, err := s.gate.Evaluate(ctx, *req)
	if err != nil {
		if s.canFailOpen(err) {
			s.warnFailOpen(CheckEvaluate, req.Key, err)
			s.metrics.ObserveDecision(CheckEvaluate, ResultDegraded, s.now().Sub(start))
			return &models.EvaluateResult{Allowed: true, Degraded: true}, nil
		}
		return nil, s.fail(CheckEvaluate, start, "failed to evaluate policy", err)
	}
	s.observe(CheckEvaluate, start, result.Allowed, result.Degraded)
	return &result, nil
}

func (s *Service) ResetUsagePeriod(ctx context.Context, tenantID string) (*models.ResetUsageResponse, error) {
	archived, current, err := s.ledger.ResetUsagePeriod(ctx, tenantID)
	if err != nil {
		return nil, wrapError("failed to reset usage period", err)
	}
	slog.Info("Usage period reset",
		"tenant_id", tenantID,
		"period_start", archived.PeriodStart,
		"next_period_start", current.PeriodStart)

	return &models.ResetUsageResponse{TenantID: tenantID, Archived: archived, Current: current}, nil
}

func (s *Service) GetUsage(ctx context.Context, tenantID string) (*models.TenantUsage, error) {
	record, err := s.ledger.Usage(ctx, tenantID)
	if err != nil {
		return nil, wrapError("failed to get usage", err)
	}
	return &record, nil
}

func (s *Service) UsageHistory(ctx context.Context, tenantID string) (*models.UsageHistoryResponse, error) {
	periods, err := s.ledger.History(ctx, tenantID)
	if err != nil {
		return nil, wrapError("failed to list usage history", err)
	}
	return &models.UsageHistoryResponse{TenantID: tenantID, Periods: periods}, nil
}

func (s *Service) SetTenantPlan(ctx context.Context, tenantID string, req *models.SetPlanRequest) (*models.TenantUsage, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, wrapError("invalid request", err)
	}

	record, err := s.ledger.SetPlan(ctx, tenantID, req.Plan)
	if err != nil {
		return nil, wrapError("failed to set plan", err)
	}
	slog.Info("Tenant plan changed", "tenant_id", tenantID, "plan", req.Plan)
	return &record, nil
}

func (s *Service) ListPlans(ctx context.Context) (*models.PlansResponse, error) {
	return &models.PlansResponse{
		SchemaVersion: s.catalog.SchemaVersion(),
		DefaultPlan:   s.catalog.DefaultPlan(),
		Plans:         s.catalog.Plans(),
	}, nil
}

// canFailOpen reports whether err may be turned into a degraded allow.
func (s *Service) canFailOpen(err error) bool {
	return s.failOpen && errors.Is(err, models.ErrStorageUnavailable)
}

func (s *Service) warnFailOpen(check, key string, err error) {
	slog.Warn("Storage unavailable, failing open", "check", check, "key", key, "error", err)
}

func (s *Service) observe(check string, start time.Time, allowed, degraded bool) {
	result := ResultDenied
	switch {
	case allowed && degraded:
		result = ResultDegraded
	case allowed:
		result = ResultAllowed
	}
	s.metrics.ObserveDecision(check, result, s.now().Sub(start))
}

func (s *Service) fail(check string, start time.Time, op string, err error) error {
	s.metrics.ObserveDecision(check, ResultError, s.now().Sub(start))
	return wrapError(op, err)
}

// degradedQuota is the verdict given when the tenant record cannot be read.
func degradedQuota() *models.QuotaResult {
	return &models.QuotaResult{
		Allowed:   true,
		Limit:     models.Unlimited,
		Remaining: models.Unlimited,
		Degraded:  true,
	}
}
