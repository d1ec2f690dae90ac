package engine

import (
	"context"
	"sync"

	"github.com/pacmano1/the-cache/cachedef"
)

// Registration is the live, immutable bundle of one cache's in-memory state:
// a definition snapshot, the entry store, the connection pool and the
// per-key load/access bookkeeping. All of it is swapped as one unit; the
// engine replaces a registration rather than mutating it.
type Registration struct {
	def    cachedef.Definition
	store  *Store
	pool   *Pool
	loader *Loader

	mu       sync.Mutex
	loadedAt map[string]int64
	accesses map[string]int64
}

// Definition returns the registration's definition snapshot.
func (r *Registration) Definition() cachedef.Definition {
	return r.def
}

// Store returns the registration's entry store.
func (r *Registration) Store() *Store {
	return r.store
}

// get is the lookup path: store get with this registration's loader. The
// loader closure captures this registration's pool, so a load that is in
// flight when the registration is replaced completes against its original
// pool.
func (r *Registration) get(ctx context.Context, key string) (string, error) {
	v, err := r.store.Get(ctx, key, func(ctx context.Context) (string, error) {
		v, err := r.loader.Load(ctx, key)
		if err == nil {
			r.setLoadedAt(key, r.store.clk.Now().UnixMilli())
		}
		return v, err
	})
	if err == nil || IsNotFound(err) {
		r.touchAccess(key)
	}
	return v, err
}

func (r *Registration) setLoadedAt(key string, millis int64) {
	r.mu.Lock()
	r.loadedAt[key] = millis
	r.mu.Unlock()
}

func (r *Registration) touchAccess(key string) {
	r.mu.Lock()
	r.accesses[key]++
	r.mu.Unlock()
}

// bookkeeping returns copies of the load-timestamp and access-counter maps.
func (r *Registration) bookkeeping() (loadedAt map[string]int64, accesses map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loadedAt = make(map[string]int64, len(r.loadedAt))
	for k, v := range r.loadedAt {
		loadedAt[k] = v
	}
	accesses = make(map[string]int64, len(r.accesses))
	for k, v := range r.accesses {
		accesses[k] = v
	}
	return loadedAt, accesses
}

// loadedAtFor returns the last successful load time for key in epoch millis.
func (r *Registration) loadedAtFor(key string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.loadedAt[key]
	return v, ok
}

// close retires the registration's resources. Called by the engine after the
// map swap so in-flight queries finish on their original pool.
func (r *Registration) close() {
	r.store.InvalidateAll()
	_ = r.pool.Close()
}
