package provider

import (
	"sync"
	"time"

	"smsqd/internal/store"
)

// Registry caches gateway clients and throttles per provider. Entries are
// rebuilt when the provider row's updated_at moves, so admin edits (new
// credentials, new rate budgets) take effect without a restart.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry

	// factory is replaceable in tests.
	factory func(store.Provider) (Sender, error)
}

type registryEntry struct {
	sender    Sender
	throttle  *Throttle
	updatedAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		factory: New,
	}
}

// SetFactory swaps the sender constructor. Tests use this to install fakes.
func (r *Registry) SetFactory(fn func(store.Provider) (Sender, error)) {
	r.mu.Lock()
	r.factory = fn
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()
}

// Get returns the cached sender and throttle for p, building them on first
// use or when p has been updated since the cache entry was built.
func (r *Registry) Get(p store.Provider) (Sender, *Throttle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[p.ID]; ok && e.updatedAt.Equal(p.UpdatedAt) {
		return e.sender, e.throttle, nil
	}

	s, err := r.factory(p)
	if err != nil {
		return nil, nil, err
	}
	e := &registryEntry{
		sender:    s,
		throttle:  NewThrottle(p.PerSecond, p.PerMinute, p.PerHour),
		updatedAt: p.UpdatedAt,
	}
	r.entries[p.ID] = e
	return e.sender, e.throttle, nil
}

// Evict drops the cached entry for a provider, e.g. after deletion.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}
