package ratelimit

import (
	"time"

	"quotaengine/internal/keyed"
)

// AdmissionLimiter guards the service's own HTTP API with a per-caller
// fixed window of requestsPerMinute. It runs on the same WindowStore as the
// rate limit checks the API serves.
type AdmissionLimiter struct {
	windows *WindowStore
	limit   int
	now     func() time.Time
}

const admissionWindowMs = int64(time.Minute / time.Millisecond)

// NewAdmissionLimiter creates a limiter admitting requestsPerMinute requests
// per caller. Idle callers are evicted after opts.IdleTTL.
func NewAdmissionLimiter(requestsPerMinute int, opts keyed.Options) *AdmissionLimiter {
	return &AdmissionLimiter{
		windows: NewWindowStore(opts),
		limit:   requestsPerMinute,
		now:     clockOf(opts),
	}
}

// Allow checks whether a request from the given key should be allowed.
func (a *AdmissionLimiter) Allow(key string) (bool, Info) {
	info := Info{Limit: a.limit}

	res, err := a.windows.CheckAndIncrement(key, int64(a.limit), admissionWindowMs)
	if err != nil {
		// A misconfigured limit or empty key never blocks the API.
		info.ResetAt = a.now()
		return true, info
	}

	resetIn := time.Duration(res.ResetInMs) * time.Millisecond
	info.Remaining = int(res.Remaining)
	info.ResetAt = a.now().Add(resetIn)
	if !res.Allowed {
		info.RetryAfter = resetIn
	}
	return res.Allowed, info
}

// Close stops the background eviction goroutine.
func (a *AdmissionLimiter) Close() {
	a.windows.Close()
}
