package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

// LoadFunc produces the value for one key. Returning ErrNotFound signals
// that the key has no mapping; the result is propagated but never memoized.
type LoadFunc func(ctx context.Context) (string, error)

// StoreCounters is a point-in-time copy of a store's raw counters.
type StoreCounters struct {
	HitCount           int64
	MissCount          int64
	LoadSuccessCount   int64
	LoadExceptionCount int64
	EvictionCount      int64
	TotalLoadTimeNanos int64
}

type storeEntry struct {
	value      string
	lastAccess time.Time
	seq        uint64
}

// Store holds one cache's key/value pairs with a bounded entry count and a
// per-entry TTL measured from last access. Concurrent misses for the same
// key are coalesced into a single load.
type Store struct {
	maxSize int64
	ttl     time.Duration
	clk     clock.Clock

	mu       sync.Mutex
	entries  map[string]*storeEntry
	seq      uint64
	memBytes int64

	hits          int64
	misses        int64
	loadSuccess   int64
	loadException int64
	evictions     int64
	totalLoadTime int64

	flight singleflight.Group
}

// NewStore builds a store. maxSize 0 means unbounded, ttl 0 disables time
// eviction.
func NewStore(maxSize int64, ttl time.Duration) *Store {
	return NewStoreWithClock(maxSize, ttl, clock.New())
}

// NewStoreWithClock is NewStore with an injectable clock for tests.
func NewStoreWithClock(maxSize int64, ttl time.Duration, clk clock.Clock) *Store {
	return &Store{
		maxSize: maxSize,
		ttl:     ttl,
		clk:     clk,
		entries: make(map[string]*storeEntry),
	}
}

// Get returns the cached value for key, loading it on a miss. At most one
// load per key is in flight at a time; concurrent callers for the same key
// wait on that load and receive its outcome. The winning caller's context
// drives the load; a waiter whose own context is cancelled abandons the wait
// without cancelling the shared load.
func (s *Store) Get(ctx context.Context, key string, load LoadFunc) (string, error) {
	s.mu.Lock()
	s.sweepLocked()
	if e, ok := s.entries[key]; ok {
		e.lastAccess = s.clk.Now()
		s.hits++
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	var owner bool
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		owner = true
		start := s.clk.Now()
		v, err := load(ctx)
		if err != nil {
			s.mu.Lock()
			s.loadException++
			s.mu.Unlock()
			return nil, err
		}
		elapsed := s.clk.Since(start)
		s.mu.Lock()
		s.loadSuccess++
		s.totalLoadTime += elapsed.Nanoseconds()
		s.insertLocked(key, v)
		s.mu.Unlock()
		return v, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// Abandon the wait without cancelling the shared load; other
		// waiters still depend on it. If this caller owned the flight its
		// context cancels the load itself and the waiters see that error.
		s.mu.Lock()
		s.misses++
		s.mu.Unlock()
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Err != nil {
		s.misses++
		return "", res.Err
	}
	if owner {
		s.misses++
	} else {
		// Joined an in-flight load: the value was already present by the
		// time this caller observed it.
		s.hits++
		if e, ok := s.entries[key]; ok {
			e.lastAccess = s.clk.Now()
		}
	}
	return res.Val.(string), nil
}

// Keys returns a snapshot of the current key set. It may be stale by the
// time the caller reads it.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Entries returns a defensive copy of the current (key, value) pairs.
func (s *Store) Entries() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.value
	}
	return out
}

// Contains reports whether key is currently memoized.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Invalidate removes key immediately. Explicit removals do not count as
// evictions.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// InvalidateAll drops every entry but preserves the counters.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*storeEntry)
	s.memBytes = 0
}

// Size returns the current entry count.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries))
}

// MemoryBytes estimates memory as the sum of 2*len(key)+2*len(value) over
// all entries. Deliberately a lower bound: no per-entry overhead is counted.
func (s *Store) MemoryBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memBytes
}

// Counters returns a copy of the raw counters.
func (s *Store) Counters() StoreCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreCounters{
		HitCount:           s.hits,
		MissCount:          s.misses,
		LoadSuccessCount:   s.loadSuccess,
		LoadExceptionCount: s.loadException,
		EvictionCount:      s.evictions,
		TotalLoadTimeNanos: s.totalLoadTime,
	}
}

// insertLocked writes a freshly loaded value, evicting as needed to honor
// the size bound.
func (s *Store) insertLocked(key, value string) {
	s.sweepLocked()
	if _, ok := s.entries[key]; !ok && s.maxSize > 0 {
		for int64(len(s.entries)) >= s.maxSize {
			s.evictOldestLocked()
		}
	}
	s.removeLocked(key)
	s.seq++
	s.entries[key] = &storeEntry{
		value:      value,
		lastAccess: s.clk.Now(),
		seq:        s.seq,
	}
	s.memBytes += entryBytes(key, value)
}

// evictOldestLocked removes the least-recently-accessed entry; ties are
// broken by insertion order, older first.
func (s *Store) evictOldestLocked() {
	var victim string
	var found bool
	var oldestAccess time.Time
	var oldestSeq uint64
	for k, e := range s.entries {
		if !found || e.lastAccess.Before(oldestAccess) ||
			(e.lastAccess.Equal(oldestAccess) && e.seq < oldestSeq) {
			victim, found = k, true
			oldestAccess, oldestSeq = e.lastAccess, e.seq
		}
	}
	if found {
		s.removeLocked(victim)
		s.evictions++
	}
}

// sweepLocked evicts entries whose last access is older than the TTL. Runs
// opportunistically on get and insert.
func (s *Store) sweepLocked() {
	if s.ttl <= 0 || len(s.entries) == 0 {
		return
	}
	cutoff := s.clk.Now().Add(-s.ttl)
	for k, e := range s.entries {
		if e.lastAccess.Before(cutoff) {
			s.removeLocked(k)
			s.evictions++
		}
	}
}

func (s *Store) removeLocked(key string) {
	if e, ok := s.entries[key]; ok {
		s.memBytes -= entryBytes(key, e.value)
		delete(s.entries, key)
	}
}

func entryBytes(key, value string) int64 {
	return int64(2*len(key) + 2*len(value))
}

// IsNotFound reports whether err is the loader's "no mapping" outcome.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
