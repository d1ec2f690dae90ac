package engine

import (
	"context"
	"sync"
)

// VarStore abstracts the host's script variable store. The engine publishes
// one Lookup per registered cache under the cache's name and retracts it on
// unregistration.
type VarStore interface {
	Put(name string, facade *Lookup)
	Remove(name string)
}

// Lookup is the channel-side facade for one cache. It resolves the cache by
// name on every call, so it always reaches the current registration.
type Lookup struct {
	name string
	eng  *Engine
}

// Lookup returns the cached value for key. found is false when the key has
// no mapping; err reports lookup failures (unknown cache, load errors).
func (l *Lookup) Lookup(ctx context.Context, key string) (value string, found bool, err error) {
	v, err := l.eng.LookupByName(ctx, l.name, key)
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Name returns the cache name this facade is bound to.
func (l *Lookup) Name() string {
	return l.name
}

// NameResolver is a single-entry-point adapter for hosts that prefer one
// handle over per-cache facades: lookup by cache name and key.
type NameResolver struct {
	eng *Engine
}

// NewNameResolver returns a resolver over eng.
func NewNameResolver(eng *Engine) *NameResolver {
	return &NameResolver{eng: eng}
}

// Lookup returns the cached value for key in the cache registered under
// cacheName.
func (n *NameResolver) Lookup(ctx context.Context, cacheName, key string) (value string, found bool, err error) {
	v, err := n.eng.LookupByName(ctx, cacheName, key)
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// MemoryVarStore is an in-process VarStore for hosts without their own
// variable store, and for tests.
type MemoryVarStore struct {
	mu sync.RWMutex
	m  map[string]*Lookup
}

var _ VarStore = (*MemoryVarStore)(nil)

func NewMemoryVarStore() *MemoryVarStore {
	return &MemoryVarStore{m: make(map[string]*Lookup)}
}

func (s *MemoryVarStore) Put(name string, facade *Lookup) {
	s.mu.Lock()
	s.m[name] = facade
	s.mu.Unlock()
}

func (s *MemoryVarStore) Remove(name string) {
	s.mu.Lock()
	delete(s.m, name)
	s.mu.Unlock()
}

// Get returns the facade registered under name, if any.
func (s *MemoryVarStore) Get(name string) (*Lookup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.m[name]
	return f, ok
}
