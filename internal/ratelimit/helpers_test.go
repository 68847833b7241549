package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quotaengine/internal/keyed"
	"quotaengine/internal/storage"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testOptions(clock *fakeClock) keyed.Options {
	return keyed.Options{Shards: 4, Now: clock.Now}
}

var errBackendDown = errors.New("backend down")

// flakyStore wraps a memory store and fails writes or reads on demand.
type flakyStore struct {
	storage.Store
	failPut atomic.Bool
	failGet atomic.Bool
}

func newFlakyStore(t *testing.T) *flakyStore {
	t.Helper()
	mem, err := storage.NewMemoryStore(storage.Config{})
	require.NoError(t, err)
	return &flakyStore{Store: mem}
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet.Load() {
		return nil, errBackendDown
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if f.failPut.Load() {
		return errBackendDown
	}
	return f.Store.Put(ctx, key, value)
}
