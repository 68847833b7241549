package quota

import (
	"context"

	"quotaengine/internal/models"
)

// ServiceInterface is the call contract of the engine. Every check returns a
// verdict; a deny is never an error.
type ServiceInterface interface {
	// CheckRateLimit counts one request against a fixed window.
	CheckRateLimit(ctx context.Context, req *models.RateLimitCheckRequest) (*models.WindowResult, error)

	// ConsumeTokens spends tokens from a token bucket.
	ConsumeTokens(ctx context.Context, req *models.TokenBucketCheckRequest) (*models.BucketResult, error)

	AcquireLock(ctx context.Context, req *models.LockAcquireRequest) (*models.LockAcquireResult, error)
	ReleaseLock(ctx context.Context, req *models.LockReleaseRequest) (*models.LockReleaseResult, error)

	// TrackUsage records usage without consulting the tenant's plan.
	TrackUsage(ctx context.Context, tenantID string, req *models.UsageTrackRequest) (*models.UsageTrackResult, error)

	// CheckQuota reports the headroom of one metric.
	CheckQuota(ctx context.Context, tenantID, metric string) (*models.QuotaResult, error)

	// ConsumeQuota records usage only if the plan leaves room for all of it.
	ConsumeQuota(ctx context.Context, tenantID string, req *models.UsageTrackRequest) (*models.QuotaConsumeResult, error)

	// CheckMultiTier admits a request against every tier of a key or none.
	CheckMultiTier(ctx context.Context, req *models.MultiTierCheckRequest) (*models.MultiTierResult, error)

	// Evaluate admits a request against a composite policy.
	Evaluate(ctx context.Context, req *models.EvaluateRequest) (*models.EvaluateResult, error)

	ResetUsagePeriod(ctx context.Context, tenantID string) (*models.ResetUsageResponse, error)
	GetUsage(ctx context.Context, tenantID string) (*models.TenantUsage, error)
	UsageHistory(ctx context.Context, tenantID string) (*models.UsageHistoryResponse, error)
	SetTenantPlan(ctx context.Context, tenantID string, req *models.SetPlanRequest) (*models.TenantUsage, error)
	ListPlans(ctx context.Context) (*models.PlansResponse, error)
}

// Ensure Service implements ServiceInterface
var _ ServiceInterface = (*Service)(nil)
