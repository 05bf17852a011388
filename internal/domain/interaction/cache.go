package interaction

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "healthvault",
	Name:      "interaction_cache_total",
	Help:      "Interaction cache lookups by result.",
}, []string{"result"})

// Entry is a cached verdict with its absolute expiry.
type Entry struct {
	Verdict   Verdict   `json:"verdict"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists cache entries. Put must keep the resident entry when it
// expires later than the incoming one; otherwise the last writer wins.
type Store interface {
	Get(ctx context.Context, key PairKey) (Entry, bool, error)
	Put(ctx context.Context, key PairKey, e Entry) error
	Close() error
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[PairKey]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[PairKey]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key PairKey) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key PairKey, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok && cur.ExpiresAt.After(e.ExpiresAt) {
		return nil
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Cache maps a medication pair to a verdict for a fixed TTL.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// CacheOption customises a Cache.
type CacheOption func(*Cache)

// WithCacheClock replaces time.Now.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(store Store, ttl time.Duration, logger zerolog.Logger, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &Cache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "interaction_cache").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached verdict for key. Expired entries and store errors
// are reported as misses.
func (c *Cache) Get(ctx context.Context, key PairKey) (Verdict, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("pair", key.String()).Msg("interaction cache read failed")
		cacheLookups.WithLabelValues("error").Inc()
		return Verdict{}, false
	}
	if !ok || !c.now().Before(e.ExpiresAt) {
		cacheLookups.WithLabelValues("miss").Inc()
		return Verdict{}, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return e.Verdict, true
}

// Put stores a verdict that was successfully looked up.
func (c *Cache) Put(ctx context.Context, key PairKey, v Verdict) error {
	return c.store.Put(ctx, key, Entry{Verdict: v, ExpiresAt: c.now().Add(c.ttl)})
}

// Close releases the underlying store.
func (c *Cache) Close() error { return c.store.Close() }
