package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry owns the process-wide breaker for each named dependency. State
// lives only in memory, so a restart starts every breaker closed.
type Registry struct {
	mu        sync.Mutex
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	breakers  map[string]*Breaker
	now       func() time.Time
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now for every breaker the registry creates.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry whose breakers use cfg unless overridden.
func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  cfg,
		overrides: make(map[string]BreakerConfig),
		breakers:  make(map[string]*Breaker),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Configure sets a per-dependency config. It only affects breakers created
// after the call.
func (r *Registry) Configure(dependency string, cfg BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[dependency] = cfg
}

// Breaker returns the breaker for dependency, creating it closed on first use.
func (r *Registry) Breaker(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[dependency]; ok {
		cfg = o
	}
	b := newBreaker(dependency, cfg, r.now, observeState)
	r.breakers[dependency] = b
	observeState(dependency, StateClosed)
	return b
}

// Snapshot returns every known breaker sorted by dependency name.
func (r *Registry) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}
