package ratelimit

import (
	"context"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
)

// Window is a fixed-window counter. Count resets to zero exactly when the
// window has been open for windowMs; it is never decremented otherwise.
type Window struct {
	Count int64
	Start time.Time
}

// windowSet holds every window of one rate key, indexed by window length in
// milliseconds, so tiers of the same key share one owner.
type windowSet struct {
	windows map[int64]*Window
}

// expired reports whether every window of the set has run its full length,
// so dropping the set cannot reopen a live window.
func (set *windowSet) expired(now time.Time) bool {
	for windowMs, w := range set.windows {
		if now.Sub(w.Start) < time.Duration(windowMs)*time.Millisecond {
			return false
		}
	}
	return true
}

// WindowStore is the fixed-window counter store.
//
// The fixed window admits up to twice the limit across a window boundary
// (limit requests at the end of one window, limit more at the start of the
// next). This is accepted in exchange for O(1) state per key and window.
type WindowStore struct {
	table *keyed.Table[windowSet]
	now   func() time.Time
}

// NewWindowStore creates a window store. Close releases its janitor.
func NewWindowStore(opts keyed.Options) *WindowStore {
	return &WindowStore{
		table: keyed.New[windowSet](opts, keyed.Hooks[windowSet]{CanEvict: (*windowSet).expired}),
		now:   clockOf(opts),
	}
}

// CheckAndIncrement admits one request against limit per windowMs. A denied
// request does not change the count.
func (s *WindowStore) CheckAndIncrement(key string, limit, windowMs int64) (models.WindowResult, error) {
	if err := ValidateWindow(limit, windowMs); err != nil {
		return models.WindowResult{}, err
	}
	var result models.WindowResult
	err := s.Do(key, func(tx *WindowTx) error {
		result = tx.Peek(limit, windowMs)
		if result.Allowed {
			tx.Commit(windowMs)
		}
		return nil
	})
	return result, err
}

// Do runs fn with every window of key held. The gate uses it to peek several
// tiers and commit all of them or none.
func (s *WindowStore) Do(key string, fn func(tx *WindowTx) error) error {
	if err := requireKey(key); err != nil {
		return err
	}
	return s.table.Do(context.Background(), key, func(set *windowSet) error {
		if set.windows == nil {
			set.windows = make(map[int64]*Window)
		}
		return fn(&WindowTx{set: set, now: s.now()})
	})
}

// Len returns the number of resident keys.
func (s *WindowStore) Len() int {
	return s.table.Len()
}

func (s *WindowStore) Close() {
	s.table.Close()
}

// WindowTx is the view of one key's windows inside Do. All reads use the
// same instant.
type WindowTx struct {
	set *windowSet
	now time.Time
}

// Peek reports what CheckAndIncrement would return without changing any
// state. Remaining is the value after the increment an allow would commit.
func (tx *WindowTx) Peek(limit, windowMs int64) models.WindowResult {
	count, elapsed := tx.current(windowMs)
	resetIn := windowMs - elapsed.Milliseconds()

	if count >= limit {
		return models.WindowResult{Allowed: false, Remaining: 0, ResetInMs: resetIn}
	}
	return models.WindowResult{Allowed: true, Remaining: limit - (count + 1), ResetInMs: resetIn}
}

// Commit counts one request in the windowMs window, starting a fresh window
// if the current one has expired.
func (tx *WindowTx) Commit(windowMs int64) {
	w, ok := tx.set.windows[windowMs]
	if !ok || tx.expired(w, windowMs) {
		w = &Window{Start: tx.now}
		tx.set.windows[windowMs] = w
	}
	w.Count++
}

// current returns the live count and the time since the window opened. A
// missing or expired window reads as empty and just opened.
func (tx *WindowTx) current(windowMs int64) (int64, time.Duration) {
	w, ok := tx.set.windows[windowMs]
	if !ok || tx.expired(w, windowMs) {
		return 0, 0
	}
	return w.Count, tx.now.Sub(w.Start)
}

func (tx *WindowTx) expired(w *Window, windowMs int64) bool {
	return tx.now.Sub(w.Start) >= time.Duration(windowMs)*time.Millisecond
}

// ValidateWindow rejects non-positive limits and window lengths.
func ValidateWindow(limit, windowMs int64) error {
	if limit < 1 {
		return invalid("limit must be >= 1, got %d", limit)
	}
	if windowMs < 1 {
		return invalid("window_ms must be >= 1, got %d", windowMs)
	}
	return nil
}
