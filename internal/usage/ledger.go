package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
	"quotaengine/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	currentKeyPrefix = "usage/current/"
	historyKeyPrefix = "usage/history/"

	// DefaultFlushEvery is the number of increments between durable writes.
	DefaultFlushEvery = 10

	evictFlushTimeout = 5 * time.Second
	flushParallelism  = 8
)

// account is the resident state of one tenant.
type account struct {
	usage   models.TenantUsage
	pending int // increments not yet written to the store
}

// Config tunes a Ledger.
type Config struct {
	// FlushEvery is the number of increments between durable writes. An
	// unclean stop loses at most FlushEvery-1 increments per tenant.
	FlushEvery int
	// FailOpen keeps an increment whose batched write failed and marks the
	// result degraded instead of rolling it back.
	FailOpen bool
}

// Ledger holds the current usage period of every tenant.
//
// The in-memory record is authoritative while a tenant is resident: every
// operation on a tenant runs inside that tenant's slot of a keyed.Table, so
// check-then-track is atomic and no other writer can race the durable copy.
// The record is written through to the store every FlushEvery increments,
// on plan changes and period resets, when the tenant is evicted, and on Close.
type Ledger struct {
	table      *keyed.Table[account]
	store      storage.Store
	catalog    *Catalog
	flushEvery int
	failOpen   bool
	now        func() time.Time
}

// NewLedger creates a ledger persisting to store. Close flushes it.
func NewLedger(store storage.Store, catalog *Catalog, opts keyed.Options, cfg Config) *Ledger {
	if cfg.FlushEvery < 1 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	l := &Ledger{
		store:      store,
		catalog:    catalog,
		flushEvery: cfg.FlushEvery,
		failOpen:   cfg.FailOpen,
		now:        time.Now,
	}
	if opts.Now != nil {
		l.now = opts.Now
	}
	l.table = keyed.New[account](opts, keyed.Hooks[account]{Load: l.load, OnEvict: l.evict})
	return l
}

// TrackUsage adds amount to metric for tenantID without consulting the plan.
func (l *Ledger) TrackUsage(ctx context.Context, tenantID, metric string, amount int64) (models.UsageTrackResult, error) {
	if err := validateUsage(tenantID, metric, amount); err != nil {
		return models.UsageTrackResult{}, err
	}

	var result models.UsageTrackResult
	err := l.table.Do(ctx, tenantID, func(acct *account) error {
		degraded, err := l.add(ctx, acct, metric, amount)
		if err != nil {
			return err
		}
		result = models.UsageTrackResult{
			Metric:   metric,
			NewValue: acct.usage.Current.Counters[metric],
			Degraded: degraded,
		}
		return nil
	})
	return result, err
}

// CheckQuota reports the headroom of metric under the tenant's plan.
func (l *Ledger) CheckQuota(ctx context.Context, tenantID, metric string) (models.QuotaResult, error) {
	if err := validateUsage(tenantID, metric, 1); err != nil {
		return models.QuotaResult{}, err
	}

	var result models.QuotaResult
	err := l.table.Do(ctx, tenantID, func(acct *account) error {
		var err error
		result, err = l.quota(acct, metric)
		return err
	})
	return result, err
}

// CheckAndTrackUsage adds amount to metric only if the plan leaves room for
// all of it. A deny leaves the counter untouched.
func (l *Ledger) CheckAndTrackUsage(ctx context.Context, tenantID, metric string, amount int64) (models.QuotaResult, error) {
	if err := validateUsage(tenantID, metric, amount); err != nil {
		return models.QuotaResult{}, err
	}

	var result models.QuotaResult
	err := l.table.Do(ctx, tenantID, func(acct *account) error {
		q, err := l.quota(acct, metric)
		if err != nil {
			return err
		}
		bounded := q.Limit != models.Unlimited
		if !q.Allowed || (bounded && q.Remaining < amount) {
			q.Allowed = false
			result = q
			return nil
		}

		degraded, err := l.add(ctx, acct, metric, amount)
		if err != nil {
			return err
		}
		q.Used += amount
		if bounded {
			q.Remaining -= amount
		}
		q.Degraded = degraded
		result = q
		return nil
	})
	return result, err
}

// ResetUsagePeriod archives the current period of tenantID to its history
// and starts a new period. Flow metrics restart at zero; stock metrics carry
// over. Nothing changes if either write fails.
func (l *Ledger) ResetUsagePeriod(ctx context.Context, tenantID string) (archived, current models.UsagePeriod, err error) {
	if err := validateTenant(tenantID); err != nil {
		return archived, current, err
	}

	err = l.table.Do(ctx, tenantID, func(acct *account) error {
		old := acct.usage.Current.Clone()

		data, err := json.Marshal(old)
		if err != nil {
			return fmt.Errorf("encode usage period for %s: %w", tenantID, err)
		}
		key, err := l.nextHistoryKey(ctx, tenantID, old.PeriodStart)
		if err != nil {
			return err
		}
		if err := l.store.Put(ctx, key, data); err != nil {
			return unavailable("archive usage period", tenantID, err)
		}

		acct.usage.Current = old.Rotate(l.now())
		if err := l.flush(ctx, acct); err != nil {
			acct.usage.Current = old
			if derr := l.store.Delete(ctx, key); derr != nil {
				slog.Error("Failed to remove archived period after failed reset",
					"tenant_id", tenantID, "key", key, "error", derr)
			}
			return err
		}

		archived = old
		current = acct.usage.Current.Clone()
		return nil
	})
	return archived, current, err
}

// SetPlan assigns plan to tenantID and writes the record immediately.
func (l *Ledger) SetPlan(ctx context.Context, tenantID, plan string) (models.TenantUsage, error) {
	if err := validateTenant(tenantID); err != nil {
		return models.TenantUsage{}, err
	}
	if !l.catalog.Has(plan) {
		return models.TenantUsage{}, fmt.Errorf("%w: %s", models.ErrUnknownPlan, plan)
	}

	var result models.TenantUsage
	err := l.table.Do(ctx, tenantID, func(acct *account) error {
		previous := acct.usage.Plan
		acct.usage.Plan = plan
		if err := l.flush(ctx, acct); err != nil {
			acct.usage.Plan = previous
			return err
		}
		result = acct.usage.Clone()
		return nil
	})
	return result, err
}

// Usage returns a snapshot of the tenant's record with its effective plan.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (models.TenantUsage, error) {
	if err := validateTenant(tenantID); err != nil {
		return models.TenantUsage{}, err
	}

	var result models.TenantUsage
	err := l.table.Do(ctx, tenantID, func(acct *account) error {
		result = acct.usage.Clone()
		result.Plan = l.planOf(acct)
		return nil
	})
	return result, err
}

// History returns the archived periods of tenantID, oldest first.
func (l *Ledger) History(ctx context.Context, tenantID string) ([]models.UsagePeriod, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}

	keys, err := l.store.List(ctx, historyKeyPrefix+tenantID+"/")
	if err != nil {
		return nil, unavailable("list usage history", tenantID, err)
	}

	periods := make([]models.UsagePeriod, 0, len(keys))
	for _, key := range keys {
		data, err := l.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, unavailable("read usage history", tenantID, err)
		}
		var period models.UsagePeriod
		if err := json.Unmarshal(data, &period); err != nil {
			return nil, fmt.Errorf("decode usage history %s: %w", key, err)
		}
		periods = append(periods, period)
	}
	return periods, nil
}

// Tenants returns every tenant known to the store or resident in memory.
func (l *Ledger) Tenants(ctx context.Context) ([]string, error) {
	keys, err := l.store.List(ctx, currentKeyPrefix)
	if err != nil {
		return nil, unavailable("list tenants", "", err)
	}

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		seen[strings.TrimPrefix(key, currentKeyPrefix)] = true
	}
	for _, tenant := range l.table.Keys() {
		seen[tenant] = true
	}

	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// ResetAll rotates the period of every known tenant. It keeps going past
// failures and returns the number of tenants reset with the joined errors.
func (l *Ledger) ResetAll(ctx context.Context) (int, error) {
	tenants, err := l.Tenants(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	reset := 0
	for _, tenant := range tenants {
		if _, _, err := l.ResetUsagePeriod(ctx, tenant); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		reset++
	}
	return reset, errors.Join(errs...)
}

// Flush writes every tenant with unflushed increments.
func (l *Ledger) Flush(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(flushParallelism)

	for i := 0; i < l.table.ShardCount(); i++ {
		g.Go(func() error {
			var errs []error
			l.table.Range(i, func(tenant string, acct *account) error {
				if acct.pending == 0 {
					return nil
				}
				if err := l.flush(ctx, acct); err != nil {
					errs = append(errs, err)
				}
				return nil
			})
			return errors.Join(errs...)
		})
	}
	return g.Wait()
}

// Close flushes every tenant and stops the eviction janitor.
func (l *Ledger) Close(ctx context.Context) error {
	err := l.Flush(ctx)
	l.table.Close()
	return err
}

// Len returns the number of resident tenants.
func (l *Ledger) Len() int {
	return l.table.Len()
}

// add increments metric and writes the record when the batch is full. A
// failed write rolls the increment back unless the ledger fails open.
func (l *Ledger) add(ctx context.Context, acct *account, metric string, amount int64) (bool, error) {
	counters := acct.usage.Current.Counters
	previous, existed := counters[metric]
	counters[metric] = previous + amount
	acct.pending++

	if acct.pending < l.flushEvery {
		return false, nil
	}

	err := l.flush(ctx, acct)
	if err == nil {
		return false, nil
	}
	if l.failOpen {
		slog.Warn("Storage unavailable, failing open",
			"component", "ledger",
			"tenant_id", acct.usage.TenantID,
			"pending", acct.pending,
			"error", err,
		)
		return true, nil
	}

	if existed {
		counters[metric] = previous
	} else {
		delete(counters, metric)
	}
	acct.pending--
	return false, err
}

func (l *Ledger) quota(acct *account, metric string) (models.QuotaResult, error) {
	limit, err := l.catalog.Limit(l.planOf(acct), metric)
	if err != nil {
		return models.QuotaResult{}, err
	}
	used := acct.usage.Current.Counters[metric]

	if limit == models.Unlimited {
		return models.QuotaResult{Allowed: true, Limit: models.Unlimited, Used: used, Remaining: models.Unlimited}, nil
	}
	remaining := max(0, limit-used)
	return models.QuotaResult{Allowed: remaining > 0, Limit: limit, Used: used, Remaining: remaining}, nil
}

func (l *Ledger) planOf(acct *account) string {
	if acct.usage.Plan != "" {
		return acct.usage.Plan
	}
	return l.catalog.DefaultPlan()
}

// flush writes the current record of acct.
func (l *Ledger) flush(ctx context.Context, acct *account) error {
	record := acct.usage.Clone()
	record.UpdatedAt = l.now().UTC()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage for %s: %w", record.TenantID, err)
	}
	if err := l.store.Put(ctx, currentKeyPrefix+record.TenantID, data); err != nil {
		return unavailable("write usage", record.TenantID, err)
	}

	acct.usage.UpdatedAt = record.UpdatedAt
	acct.pending = 0
	return nil
}

func (l *Ledger) load(ctx context.Context, tenantID string) (*account, error) {
	data, err := l.store.Get(ctx, currentKeyPrefix+tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return &account{usage: models.TenantUsage{
			TenantID: tenantID,
			Current:  models.NewUsagePeriod(l.now()),
		}}, nil
	}
	if err != nil {
		return nil, unavailable("load usage", tenantID, err)
	}

	var record models.TenantUsage
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode usage for %s: %w", tenantID, err)
	}
	record.TenantID = tenantID
	if record.Current.Counters == nil {
		record.Current.Counters = make(map[string]int64)
	}
	return &account{usage: record}, nil
}

// evict writes back a tenant that is leaving memory with unflushed increments.
func (l *Ledger) evict(tenantID string, acct *account) {
	if acct.pending == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), evictFlushTimeout)
	defer cancel()

	if err := l.flush(ctx, acct); err != nil {
		slog.Error("Failed to flush usage on eviction",
			"tenant_id", tenantID,
			"lost_increments", acct.pending,
			"error", err,
		)
	}
}

// historyKey orders archived periods by start time, then by seq for periods
// archived at the same instant.
func historyKey(tenantID string, periodStart time.Time, seq int) string {
	return fmt.Sprintf("%s%s/%020d-%04d", historyKeyPrefix, tenantID, periodStart.UnixNano(), seq)
}

// nextHistoryKey returns the first unused history key for periodStart, so an
// archive never overwrites an earlier one.
func (l *Ledger) nextHistoryKey(ctx context.Context, tenantID string, periodStart time.Time) (string, error) {
	for seq := 0; ; seq++ {
		key := historyKey(tenantID, periodStart, seq)
		_, err := l.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", unavailable("check usage history", tenantID, err)
		}
	}
}

// validateTenant rejects empty IDs and IDs containing '/', which would make
// one tenant's history prefix match another's.
func validateTenant(tenantID string) error {
	if tenantID == "" {
		return invalid("tenant_id is required")
	}
	if strings.Contains(tenantID, "/") {
		return invalid("tenant_id must not contain '/'")
	}
	return nil
}

func validateUsage(tenantID, metric string, amount int64) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if metric == "" {
		return invalid("metric is required")
	}
	if amount < 1 {
		return invalid("amount must be >= 1, got %d", amount)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func unavailable(op, tenantID string, err error) error {
	if tenantID == "" {
		return fmt.Errorf("%w: %s: %v", models.ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s for %s: %v", models.ErrStorageUnavailable, op, tenantID, err)
}
