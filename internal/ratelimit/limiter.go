// Package ratelimit implements the per-key limiters of the engine: fixed-window
// counters, token buckets and lease-based concurrency locks. Each store keeps
// its state in a keyed.Table, so all operations on one key are serialized and
// no operation blocks waiting for capacity. It also provides HTTP middleware
// that applies a fixed-window limit to the service's own API.
package ratelimit

import (
	"fmt"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
)

// clockOf returns the clock configured in opts, defaulting to time.Now.
func clockOf(opts keyed.Options) func() time.Time {
	if opts.Now != nil {
		return opts.Now
	}
	return time.Now
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func requireKey(key string) error {
	if key == "" {
		return invalid("key is required")
	}
	return nil
}

// Limiter decides whether one more request of key is admitted to the HTTP
// API. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow checks whether a request identified by key should be allowed.
	// Returns whether the request is allowed and rate information for
	// populating response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Maximum requests per window
	Remaining  int           // Requests left in the current window
	ResetAt    time.Time     // When the current window closes
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}
