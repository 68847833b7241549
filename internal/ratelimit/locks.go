package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/models"
	"quotaengine/internal/storage"

	"github.com/google/uuid"
)

const lockKeyPrefix = "locks/"

// lockSet is the ordered list of active leases of one key.
type lockSet struct {
	locks []models.Lock
}

// LockTable is a per-key semaphore with lease expiry. Leases that are never
// released are reclaimed once they are older than the timeout of the next
// acquire. The active list of a key is rewritten to the durable store after
// every grant and release, and read back on first touch.
type LockTable struct {
	table    *keyed.Table[lockSet]
	store    storage.Store
	now      func() time.Time
	failOpen bool
	newID    func() string
}

// NewLockTable creates a lock table persisting to store. With failOpen a
// failed write keeps the in-memory change and marks the result degraded;
// otherwise the change is rolled back and ErrStorageUnavailable returned.
func NewLockTable(store storage.Store, opts keyed.Options, failOpen bool) *LockTable {
	lt := &LockTable{
		store:    store,
		now:      clockOf(opts),
		failOpen: failOpen,
		newID:    uuid.NewString,
	}
	lt.table = keyed.New[lockSet](opts, keyed.Hooks[lockSet]{Load: lt.load})
	return lt
}

// Acquire grants a lease on key if fewer than maxConcurrent unexpired leases
// are held. Leases at least timeoutMs old are pruned first.
func (lt *LockTable) Acquire(ctx context.Context, key string, maxConcurrent int, timeoutMs int64) (models.LockAcquireResult, error) {
	if err := requireKey(key); err != nil {
		return models.LockAcquireResult{}, err
	}
	if maxConcurrent < 1 {
		return models.LockAcquireResult{}, invalid("max_concurrent must be >= 1, got %d", maxConcurrent)
	}
	if timeoutMs < 1 {
		return models.LockAcquireResult{}, invalid("timeout_ms must be >= 1, got %d", timeoutMs)
	}

	var result models.LockAcquireResult
	err := lt.table.Do(ctx, key, func(set *lockSet) error {
		now := lt.now()
		timeout := time.Duration(timeoutMs) * time.Millisecond
		set.locks = slices.DeleteFunc(set.locks, func(l models.Lock) bool {
			return now.Sub(l.AcquiredAt) >= timeout
		})

		if len(set.locks) >= maxConcurrent {
			result = models.LockAcquireResult{Acquired: false, Current: len(set.locks), Max: maxConcurrent}
			return nil
		}

		previous := set.locks
		lock := models.Lock{ID: lt.newID(), AcquiredAt: now}
		set.locks = append(slices.Clip(set.locks), lock)

		degraded, err := lt.persist(ctx, key, set.locks)
		if err != nil {
			set.locks = previous
			return err
		}
		result = models.LockAcquireResult{
			Acquired: true,
			LockID:   lock.ID,
			Current:  len(set.locks),
			Max:      maxConcurrent,
			Degraded: degraded,
		}
		return nil
	})
	return result, err
}

// Release drops the lease lockID of key. An unknown or already expired lease
// is a no-op reported as Released=false.
func (lt *LockTable) Release(ctx context.Context, key, lockID string) (models.LockReleaseResult, error) {
	if err := requireKey(key); err != nil {
		return models.LockReleaseResult{}, err
	}
	if lockID == "" {
		return models.LockReleaseResult{}, invalid("lock_id is required")
	}

	var result models.LockReleaseResult
	err := lt.table.Do(ctx, key, func(set *lockSet) error {
		idx := slices.IndexFunc(set.locks, func(l models.Lock) bool { return l.ID == lockID })
		if idx < 0 {
			return nil
		}

		previous := set.locks
		set.locks = slices.Delete(slices.Clone(set.locks), idx, idx+1)

		degraded, err := lt.persist(ctx, key, set.locks)
		if err != nil {
			set.locks = previous
			return err
		}
		result = models.LockReleaseResult{Released: true, Degraded: degraded}
		return nil
	})
	return result, err
}

// Held returns the number of leases currently recorded for key, expired or not.
func (lt *LockTable) Held(ctx context.Context, key string) (int, error) {
	n := 0
	err := lt.table.Do(ctx, key, func(set *lockSet) error {
		n = len(set.locks)
		return nil
	})
	return n, err
}

func (lt *LockTable) Close() {
	lt.table.Close()
}

func (lt *LockTable) load(ctx context.Context, key string) (*lockSet, error) {
	data, err := lt.store.Get(ctx, lockKeyPrefix+key)
	if errors.Is(err, storage.ErrNotFound) {
		return &lockSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load locks for %s: %v", models.ErrStorageUnavailable, key, err)
	}

	var locks []models.Lock
	if err := json.Unmarshal(data, &locks); err != nil {
		return nil, fmt.Errorf("decode locks for %s: %w", key, err)
	}
	return &lockSet{locks: locks}, nil
}

// persist rewrites the whole list of key. It reports degraded=true when the
// write failed but fail-open kept the change.
func (lt *LockTable) persist(ctx context.Context, key string, locks []models.Lock) (bool, error) {
	data, err := json.Marshal(locks)
	if err != nil {
		return false, fmt.Errorf("encode locks for %s: %w", key, err)
	}
	if err := lt.store.Put(ctx, lockKeyPrefix+key, data); err != nil {
		if lt.failOpen {
			slog.Warn("Storage unavailable, failing open", "component", "locks", "key", key, "error", err)
			return true, nil
		}
		return false, fmt.Errorf("%w: persist locks for %s: %v", models.ErrStorageUnavailable, key, err)
	}
	return false, nil
}
