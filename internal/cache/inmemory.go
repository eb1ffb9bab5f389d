package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries bounds the in-memory cache when no size is configured.
const DefaultMaxEntries = 10000

// defaultCeiling is the longest any entry may live in memory, whatever TTL
// the caller asked for.
const defaultCeiling = time.Hour

// InMemoryCache is a bounded LRU cache with per-entry expiry. It is the L1
// tier in a tiered setup and the only tier when Redis is not configured.
type InMemoryCache struct {
	mu     sync.RWMutex
	lru    *expirable.LRU[string, *memEntry]
	now    Clock
	closed bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOption configures an InMemoryCache.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	maxEntries int
	ceiling    time.Duration
	clock      Clock
}

// WithMaxEntries bounds the number of entries kept.
func WithMaxEntries(n int) MemoryOption {
	return func(o *memoryOptions) { o.maxEntries = n }
}

// WithCeiling caps how long an entry can stay resident.
func WithCeiling(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.ceiling = d }
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(c Clock) MemoryOption {
	return func(o *memoryOptions) { o.clock = c }
}

// NewInMemoryCache creates a new in-memory cache.
func NewInMemoryCache(opts ...MemoryOption) *InMemoryCache {
	o := memoryOptions{maxEntries: DefaultMaxEntries, ceiling: defaultCeiling, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	return &InMemoryCache{
		lru: expirable.NewLRU[string, *memEntry](o.maxEntries, nil, o.ceiling),
		now: o.clock,
	}
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrNotFound
	}
	entry, ok := c.lru.Get(key)
	if !ok || entry.expired(c.now()) {
		return nil, ErrNotFound
	}
	// Return a copy to prevent mutation
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.lru.Add(key, &memEntry{value: cp, expiresAt: expiresAt})
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.lru.Remove(key)
	}
	return nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, nil
	}
	entry, ok := c.lru.Peek(key)
	return ok && !entry.expired(c.now()), nil
}

// Len returns the number of resident entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0
	}
	return c.lru.Len()
}

func (c *InMemoryCache) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.lru.Purge()
	}
	return nil
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.lru.Purge()
	return nil
}
