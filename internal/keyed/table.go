// Package keyed provides a bounded, sharded table of per-key values where each
// key has exactly one writer at a time.
//
// Every key owns a slot with its own mutex. Do runs a callback with that
// mutex held, so a read-modify-write on one key never interleaves with
// another operation on the same key, while different keys proceed in
// parallel. Slots are evicted when they sit idle longer than IdleTTL, or on
// insert when a shard is at capacity (least recently used first).
package keyed

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Options configures a Table.
type Options struct {
	// Shards is the number of independently locked partitions. Defaults to 16.
	Shards int
	// MaxKeys bounds the number of resident keys. Zero means unbounded.
	MaxKeys int
	// IdleTTL evicts keys not touched for this long. Zero disables idle eviction.
	IdleTTL time.Duration
	// CleanupInterval is how often the janitor looks for idle keys.
	CleanupInterval time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// LoadFunc builds the initial value of a key on first touch. Returning an
// error leaves the key unloaded; the next Do retries the load.
type LoadFunc[V any] func(ctx context.Context, key string) (*V, error)

// EvictFunc is called with the slot lock held when a loaded key leaves memory.
// The shard is not locked, so other keys proceed while it runs. A new Do on
// the same key waits for it to return before loading.
type EvictFunc[V any] func(key string, value *V)

// CanEvictFunc reports whether value can be dropped at now without changing
// any future decision. Slots it refuses stay resident past IdleTTL and
// MaxKeys.
type CanEvictFunc[V any] func(value *V, now time.Time) bool

// Hooks are the optional callbacks of a Table.
type Hooks[V any] struct {
	Load     LoadFunc[V]
	OnEvict  EvictFunc[V]
	CanEvict CanEvictFunc[V]
}

type slot[V any] struct {
	mu       sync.Mutex
	value    *V
	lastSeen atomic.Int64
	evicted  bool
	// prev is the evicted slot of the same key whose write-back must finish
	// before this slot loads.
	prev *slot[V]
}

type shard[V any] struct {
	mu       sync.Mutex
	slots    map[string]*slot[V]
	draining map[string]*slot[V]
}

// victim is a slot removed from its shard whose OnEvict has not run yet. Its
// slot lock is still held.
type victim[V any] struct {
	shard *shard[V]
	key   string
	slot  *slot[V]
}

type lruCandidate[V any] struct {
	key  string
	slot *slot[V]
	seen int64
}

// Table is a sharded map of single-writer slots.
type Table[V any] struct {
	shards   []*shard[V]
	perShard int
	idleTTL  time.Duration
	now      func() time.Time
	load     LoadFunc[V]
	onEvict  EvictFunc[V]
	canEvict CanEvictFunc[V]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a table. A nil Load yields zero values, a nil OnEvict is a
// no-op and a nil CanEvict lets every idle slot go.
// When IdleTTL is positive a janitor goroutine runs until Close.
func New[V any](opts Options, hooks Hooks[V]) *Table[V] {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	load := hooks.Load
	if load == nil {
		load = func(context.Context, string) (*V, error) { return new(V), nil }
	}

	t := &Table[V]{
		shards:   make([]*shard[V], opts.Shards),
		idleTTL:  opts.IdleTTL,
		now:      opts.Now,
		load:     load,
		onEvict:  hooks.OnEvict,
		canEvict: hooks.CanEvict,
		done:     make(chan struct{}),
	}
	if opts.MaxKeys > 0 {
		t.perShard = max(1, opts.MaxKeys/opts.Shards)
	}
	for i := range t.shards {
		t.shards[i] = &shard[V]{
			slots:    make(map[string]*slot[V]),
			draining: make(map[string]*slot[V]),
		}
	}

	if opts.IdleTTL > 0 {
		interval := opts.CleanupInterval
		if interval <= 0 {
			interval = opts.IdleTTL
		}
		t.wg.Add(1)
		go t.janitor(interval)
	}
	return t
}

// Do runs fn with exclusive access to the value of key, loading it first if
// needed. fn must not call Do on the same table for the same key.
func (t *Table[V]) Do(ctx context.Context, key string, fn func(v *V) error) error {
	for {
		sl, victims := t.shardFor(key).getOrCreate(t, key)
		t.release(victims)

		sl.mu.Lock()
		if sl.evicted {
			// lost a race with eviction; the key now maps to a fresh slot
			sl.mu.Unlock()
			continue
		}
		if prev := sl.prev; prev != nil {
			// wait for the evicted slot of this key to finish writing back
			prev.mu.Lock()
			prev.mu.Unlock()
			sl.prev = nil
		}
		if sl.value == nil {
			v, err := t.load(ctx, key)
			if err != nil {
				sl.mu.Unlock()
				return err
			}
			sl.value = v
		}
		sl.lastSeen.Store(t.now().UnixNano())
		err := fn(sl.value)
		sl.mu.Unlock()
		return err
	}
}

// Range calls fn for every loaded key of shard i with that key held. It
// stops at the first error.
func (t *Table[V]) Range(i int, fn func(key string, v *V) error) error {
	s := t.shards[i]
	s.mu.Lock()
	keys := make([]string, 0, len(s.slots))
	slots := make([]*slot[V], 0, len(s.slots))
	for k, sl := range s.slots {
		keys = append(keys, k)
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	for j, sl := range slots {
		sl.mu.Lock()
		if sl.evicted || sl.value == nil {
			sl.mu.Unlock()
			continue
		}
		err := fn(keys[j], sl.value)
		sl.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// ShardCount returns the number of shards, for use with Range.
func (t *Table[V]) ShardCount() int {
	return len(t.shards)
}

// Keys returns the resident keys in no particular order.
func (t *Table[V]) Keys() []string {
	var keys []string
	for _, s := range t.shards {
		s.mu.Lock()
		for k := range s.slots {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

// Len returns the number of resident keys.
func (t *Table[V]) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.slots)
		s.mu.Unlock()
	}
	return n
}

// EvictIdle evicts every key idle for at least the configured IdleTTL that
// CanEvict allows, and returns how many were removed. The janitor calls it
// on each tick.
func (t *Table[V]) EvictIdle() int {
	if t.idleTTL <= 0 {
		return 0
	}
	now := t.now()
	cutoff := now.Add(-t.idleTTL).UnixNano()
	evicted := 0
	for _, s := range t.shards {
		var victims []victim[V]
		s.mu.Lock()
		for k, sl := range s.slots {
			if sl.lastSeen.Load() > cutoff {
				continue
			}
			if v, ok := t.detachLocked(s, k, sl, now); ok {
				victims = append(victims, v)
			}
		}
		s.mu.Unlock()

		t.release(victims)
		evicted += len(victims)
	}
	return evicted
}

// Close stops the janitor. Resident values are left in place; callers that
// need a final flush should Range before closing.
func (t *Table[V]) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

func (t *Table[V]) shardFor(key string) *shard[V] {
	return t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

func (t *Table[V]) janitor(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.EvictIdle()
		}
	}
}

// detachLocked removes sl from s and leaves it locked for release. The shard
// lock must be held. A busy slot is skipped, since an in-flight operation
// means it is not idle, and so is one CanEvict refuses.
func (t *Table[V]) detachLocked(s *shard[V], key string, sl *slot[V], now time.Time) (victim[V], bool) {
	if !sl.mu.TryLock() {
		return victim[V]{}, false
	}
	if sl.prev != nil {
		// still waiting on the previous write-back of this key
		sl.mu.Unlock()
		return victim[V]{}, false
	}
	if sl.value != nil && t.canEvict != nil && !t.canEvict(sl.value, now) {
		sl.mu.Unlock()
		return victim[V]{}, false
	}

	sl.evicted = true
	delete(s.slots, key)
	s.draining[key] = sl
	return victim[V]{shard: s, key: key, slot: sl}, true
}

// release runs OnEvict for each victim outside the shard lock, then lets
// waiting loads of the same key proceed.
func (t *Table[V]) release(victims []victim[V]) {
	for _, v := range victims {
		if v.slot.value != nil && t.onEvict != nil {
			t.onEvict(v.key, v.slot.value)
		}

		v.shard.mu.Lock()
		if v.shard.draining[v.key] == v.slot {
			delete(v.shard.draining, v.key)
		}
		v.shard.mu.Unlock()
		v.slot.mu.Unlock()
	}
}

// getOrCreate returns the slot of key, creating it if needed. When the shard
// is at capacity it detaches the least recently used evictable slots; the
// caller must release them.
func (s *shard[V]) getOrCreate(t *Table[V], key string) (*slot[V], []victim[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.slots[key]; ok {
		return sl, nil
	}

	var victims []victim[V]
	if t.perShard > 0 && len(s.slots) >= t.perShard {
		victims = s.evictOldestLocked(t)
	}

	sl := &slot[V]{prev: s.draining[key]}
	sl.lastSeen.Store(t.now().UnixNano())
	s.slots[key] = sl
	return sl, victims
}

// evictOldestLocked makes room for one insert by detaching slots in least
// recently used order. Busy slots and slots CanEvict refuses are passed over;
// if none can go the shard temporarily exceeds its cap.
func (s *shard[V]) evictOldestLocked(t *Table[V]) []victim[V] {
	candidates := make([]lruCandidate[V], 0, len(s.slots))
	for k, sl := range s.slots {
		candidates = append(candidates, lruCandidate[V]{key: k, slot: sl, seen: sl.lastSeen.Load()})
	}
	slices.SortFunc(candidates, func(a, b lruCandidate[V]) int {
		return cmp.Compare(a.seen, b.seen)
	})

	now := t.now()
	var victims []victim[V]
	for _, c := range candidates {
		if len(s.slots) < t.perShard {
			break
		}
		if v, ok := t.detachLocked(s, c.key, c.slot, now); ok {
			victims = append(victims, v)
		}
	}
	return victims
}
