// Package engine implements the read-through cache engine: per-cache bounded
// stores with TTL-by-access and size eviction, single-flight miss loading
// against external databases, atomic re-registration, runtime statistics and
// snapshot inspection.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pacmano1/the-cache/cachedef"
	"github.com/pacmano1/the-cache/logger"
)

const testConnectionTimeout = 10 * time.Second

// Engine manages the set of cache registrations. All per-cache state is
// published and retired as whole registrations; the registration map is the
// single synchronization point.
type Engine struct {
	log           logger.Logger
	clk           clock.Clock
	borrowTimeout time.Duration
	varstore      VarStore

	mu       sync.RWMutex
	regs     map[string]*Registration
	nameToID map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithVarStore sets the host variable store the lookup facades are published
// into. Defaults to an in-process MemoryVarStore.
func WithVarStore(vs VarStore) Option {
	return func(e *Engine) { e.varstore = vs }
}

// WithBorrowTimeout sets the pool borrow timeout for all caches registered
// afterwards.
func WithBorrowTimeout(d time.Duration) Option {
	return func(e *Engine) { e.borrowTimeout = d }
}

// WithClock injects a clock, used by tests to drive TTL eviction.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// New returns an empty engine.
func New(log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		log:           log.WithPrefix("[engine]"),
		clk:           clock.New(),
		borrowTimeout: DefaultBorrowTimeout,
		regs:          make(map[string]*Registration),
		nameToID:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.varstore == nil {
		e.varstore = NewMemoryVarStore()
	}
	return e
}

// VarStore returns the variable store the engine publishes facades into.
func (e *Engine) VarStore() VarStore {
	return e.varstore
}

// Register builds and publishes a registration for def, replacing any
// registration with the same id. The old registration's pool is closed after
// the swap so queries already holding a connection finish on it.
func (e *Engine) Register(def cachedef.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	d := def // defensive copy; the engine never aliases caller state

	pool, err := NewPool(d, e.borrowTimeout)
	if err != nil {
		return err
	}
	store := NewStoreWithClock(d.MaxSize, d.EvictionDuration(), e.clk)
	reg := &Registration{
		def:      d,
		store:    store,
		pool:     pool,
		loader:   NewLoader(d, pool, e.log),
		loadedAt: make(map[string]int64),
		accesses: make(map[string]int64),
	}

	e.mu.Lock()
	if existing, ok := e.nameToID[d.Name]; ok && existing != d.ID {
		e.mu.Unlock()
		_ = pool.Close()
		return fmt.Errorf("%q: %w", d.Name, ErrDuplicateName)
	}
	old := e.regs[d.ID]
	e.regs[d.ID] = reg
	if old != nil && old.def.Name != d.Name {
		delete(e.nameToID, old.def.Name)
		e.varstore.Remove(old.def.Name)
	}
	e.nameToID[d.Name] = d.ID
	e.varstore.Put(d.Name, &Lookup{name: d.Name, eng: e})
	e.mu.Unlock()

	if old != nil {
		old.close()
	}
	e.log.Info("registered cache %q (id=%s, maxSize=%d, ttl=%s, maxConnections=%d)",
		d.Name, d.ID, d.MaxSize, d.EvictionDuration(), d.MaxConnections)
	return nil
}

// Unregister removes the registration for id, if present: the store is
// invalidated, the name mapping and facade retracted, and the pool closed.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	reg := e.regs[id]
	if reg == nil {
		e.mu.Unlock()
		return
	}
	delete(e.regs, id)
	if e.nameToID[reg.def.Name] == id {
		delete(e.nameToID, reg.def.Name)
		e.varstore.Remove(reg.def.Name)
	}
	e.mu.Unlock()

	reg.close()
	e.log.Info("unregistered cache %q (id=%s)", reg.def.Name, id)
}

// registration resolves an id under the read lock.
func (e *Engine) registration(id string) (*Registration, error) {
	e.mu.RLock()
	reg := e.regs[id]
	e.mu.RUnlock()
	if reg == nil {
		return nil, fmt.Errorf("id %q: %w", id, ErrUnknownCache)
	}
	return reg, nil
}

// LookupByID returns the cached value for key, loading on a miss.
func (e *Engine) LookupByID(ctx context.Context, id, key string) (string, error) {
	reg, err := e.registration(id)
	if err != nil {
		return "", err
	}
	v, err := reg.get(ctx, key)
	for attempt := 0; attempt < 3 && err != nil && errors.Is(err, ErrPoolClosed); attempt++ {
		// The registration was replaced between resolution and borrow; retry
		// against the current one.
		cur, rerr := e.registration(id)
		if rerr != nil || cur == reg {
			break
		}
		reg = cur
		v, err = reg.get(ctx, key)
	}
	return v, err
}

// LookupByName resolves name to its registration id, then looks up key.
func (e *Engine) LookupByName(ctx context.Context, name, key string) (string, error) {
	e.mu.RLock()
	id, ok := e.nameToID[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("name %q: %w", name, ErrUnknownCache)
	}
	return e.LookupByID(ctx, id, key)
}

// Refresh synchronously reloads every key currently in the cache and returns
// the number of keys whose reload failed (including keys whose mapping
// disappeared from the external database). Keys added after the call starts
// are not touched.
func (e *Engine) Refresh(ctx context.Context, id string) (int, error) {
	reg, err := e.registration(id)
	if err != nil {
		return 0, err
	}
	keys := reg.store.Keys()
	failures := 0
	for _, key := range keys {
		reg.store.Invalidate(key)
		if _, err := reg.get(ctx, key); err != nil {
			failures++
		}
	}
	e.log.Info("refreshed cache %q: %d key(s), %d failure(s)", reg.def.Name, len(keys), failures)
	return failures, nil
}

// Statistics returns the point-in-time counters for one cache.
func (e *Engine) Statistics(id string) (cachedef.Statistics, error) {
	reg, err := e.registration(id)
	if err != nil {
		return cachedef.Statistics{}, err
	}
	return statisticsOf(reg), nil
}

// AllStatistics returns statistics for every registration, in unspecified
// order.
func (e *Engine) AllStatistics() []cachedef.Statistics {
	e.mu.RLock()
	regs := make([]*Registration, 0, len(e.regs))
	for _, reg := range e.regs {
		regs = append(regs, reg)
	}
	e.mu.RUnlock()

	out := make([]cachedef.Statistics, 0, len(regs))
	for _, reg := range regs {
		out = append(out, statisticsOf(reg))
	}
	return out
}

func statisticsOf(reg *Registration) cachedef.Statistics {
	c := reg.store.Counters()
	stats := cachedef.Statistics{
		CacheDefinitionID:    reg.def.ID,
		Name:                 reg.def.Name,
		Size:                 reg.store.Size(),
		HitCount:             c.HitCount,
		MissCount:            c.MissCount,
		LoadSuccessCount:     c.LoadSuccessCount,
		LoadExceptionCount:   c.LoadExceptionCount,
		EvictionCount:        c.EvictionCount,
		RequestCount:         c.HitCount + c.MissCount,
		TotalLoadTimeNanos:   c.TotalLoadTimeNanos,
		EstimatedMemoryBytes: reg.store.MemoryBytes(),
	}
	if stats.RequestCount > 0 {
		stats.HitRate = float64(c.HitCount) / float64(stats.RequestCount)
	} else {
		stats.HitRate = math.NaN()
	}
	if c.LoadSuccessCount > 0 {
		stats.AverageLoadPenaltyNanos = float64(c.TotalLoadTimeNanos) / float64(c.LoadSuccessCount)
	}
	return stats
}

// TestConnection opens a throwaway connection for def and reports the result
// as a human-readable status string. It never returns an error.
func (e *Engine) TestConnection(ctx context.Context, def cachedef.Definition) string {
	db, err := sql.Open(def.Driver, dsn(def))
	if err != nil {
		return "Driver not found: " + def.Driver
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, testConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return "Connection failed: " + err.Error()
	}
	return "Connection successful"
}

// TestQuery runs def's query once with sampleKey and renders the outcome:
// the key/value pair on success, the configured columns missing from the
// result set with the available columns enumerated, or the driver error.
// It never returns an error.
func (e *Engine) TestQuery(ctx context.Context, def cachedef.Definition, sampleKey string) string {
	db, err := sql.Open(def.Driver, dsn(def))
	if err != nil {
		return "Driver not found: " + def.Driver
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, testConnectionTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, def.Query, sampleKey)
	if err != nil {
		return "Query failed: " + err.Error()
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "Query failed: " + err.Error()
	}

	var missing []string
	valueIdx := columnIndex(cols, def.ValueColumn)
	if valueIdx < 0 {
		missing = append(missing, def.ValueColumn)
	}
	keyIdx := -1
	if def.KeyColumn != "" {
		keyIdx = columnIndex(cols, def.KeyColumn)
		if keyIdx < 0 {
			missing = append(missing, def.KeyColumn)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("Configured column(s) not found: %s. Available columns: %s",
			strings.Join(missing, ", "), strings.Join(cols, ", "))
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "Query failed: " + err.Error()
		}
		return "No rows returned for key: " + sampleKey
	}

	values := make([]sql.NullString, len(cols))
	scan := make([]interface{}, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}
	if err := rows.Scan(scan...); err != nil {
		return "Query failed: " + err.Error()
	}

	key := sampleKey
	if keyIdx >= 0 && values[keyIdx].Valid {
		key = values[keyIdx].String
	}
	value := "NULL"
	if values[valueIdx].Valid {
		value = values[valueIdx].String
	}
	return fmt.Sprintf("Key: %s Value: %s", key, value)
}

// Shutdown invalidates every store, closes every pool, clears the maps and
// retracts every facade.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	regs := e.regs
	e.regs = make(map[string]*Registration)
	e.nameToID = make(map[string]string)
	for _, reg := range regs {
		e.varstore.Remove(reg.def.Name)
	}
	e.mu.Unlock()

	for _, reg := range regs {
		reg.close()
	}
	e.log.Info("engine shut down (%d cache(s) closed)", len(regs))
}
