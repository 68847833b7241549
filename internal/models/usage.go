package models

import (
	"maps"
	"time"
)

// Usage metric names.
const (
	MetricAPICalls     = "api_calls"
	MetricAIQueries    = "ai_queries"
	MetricEmailsSent   = "emails_sent"
	MetricWhatsAppSent = "whatsapp_sent"

	MetricCustomersCount = "customers_count"
	MetricDocumentsCount = "documents_count"
	MetricStorageUsedMB  = "storage_used_mb"
)

// Unlimited is the plan limit sentinel for metrics without a ceiling.
const Unlimited int64 = -1

// stockMetrics count resources that exist right now rather than activity in
// a period, so they survive period rotation.
var stockMetrics = map[string]bool{
	MetricCustomersCount: true,
	MetricDocumentsCount: true,
	MetricStorageUsedMB:  true,
}

// IsStockMetric reports whether metric is carried over when a usage period
// is rotated. Every other metric is a flow metric and restarts at zero.
func IsStockMetric(metric string) bool {
	return stockMetrics[metric]
}

// PlanLimits maps a metric name to its per-period ceiling.
type PlanLimits map[string]int64

// UsagePeriod is one billing window of counters. Archived periods are never
// modified.
type UsagePeriod struct {
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Counters    map[string]int64 `json:"counters"`
}

// NewUsagePeriod starts a one-month period at start.
func NewUsagePeriod(start time.Time) UsagePeriod {
	start = start.UTC()
	return UsagePeriod{
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		Counters:    make(map[string]int64),
	}
}

// Clone returns a deep copy of the period.
func (p UsagePeriod) Clone() UsagePeriod {
	c := p
	c.Counters = maps.Clone(p.Counters)
	if c.Counters == nil {
		c.Counters = make(map[string]int64)
	}
	return c
}

// Rotate returns the period that follows p when it is reset at now. Only
// stock metrics are carried forward.
func (p UsagePeriod) Rotate(now time.Time) UsagePeriod {
	next := NewUsagePeriod(now)
	for metric, value := range p.Counters {
		if IsStockMetric(metric) {
			next.Counters[metric] = value
		}
	}
	return next
}

// TenantUsage is the durable ledger record for one tenant. An empty Plan
// means the catalog default applies.
type TenantUsage struct {
	TenantID  string      `json:"tenant_id"`
	Plan      string      `json:"plan,omitempty"`
	Current   UsagePeriod `json:"current"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (u TenantUsage) Clone() TenantUsage {
	c := u
	c.Current = u.Current.Clone()
	return c
}

// Lock is one granted concurrency slot.
type Lock struct {
	ID         string    `json:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}
