package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
)

// Default TTL classes.
const (
	DefaultSingleKeyTTL = 30 * time.Minute
	DefaultBulkTTL      = 5 * time.Minute
	DefaultWarmTTL      = 10 * time.Minute
)

// TTLs holds the TTL per query class.
type TTLs struct {
	SingleKey time.Duration
	Bulk      time.Duration
	Warm      time.Duration
}

func (t TTLs) withDefaults() TTLs {
	if t.SingleKey <= 0 {
		t.SingleKey = DefaultSingleKeyTTL
	}
	if t.Bulk <= 0 {
		t.Bulk = DefaultBulkTTL
	}
	if t.Warm <= 0 {
		t.Warm = DefaultWarmTTL
	}
	return t
}

// Longest returns the largest configured TTL.
func (t TTLs) Longest() time.Duration {
	t = t.withDefaults()
	return max(t.SingleKey, t.Bulk, t.Warm)
}

// ForKeys picks the single-key or bulk class by key count.
func (t TTLs) ForKeys(n int) time.Duration {
	t = t.withDefaults()
	if n == 1 {
		return t.SingleKey
	}
	return t.Bulk
}

// ResultOptions configures a ResultCache.
type ResultOptions struct {
	TTLs              TTLs
	CompressThreshold int
	Clock             Clock
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ErrStale is returned by PutAt when the scope was invalidated or the cache
// flushed after the generation was read.
var ErrStale = errors.New("cache: result computed before invalidation")

// ResultCache maps query fingerprints to bulk results. Reads never return
// an expired entry; writes replace whole entries.
type ResultCache struct {
	store  Cache
	index  ScopeIndex
	codec  *Codec
	ttls   TTLs
	now    Clock
	pub    atomic.Pointer[publisherBox]
	hits   atomic.Int64
	misses atomic.Int64

	// epoch moves on Flush, gens[scope] on Invalidate. Both only grow.
	epoch atomic.Uint64
	gens  sync.Map // scope -> *atomic.Uint64
}

type publisherBox struct{ p Publisher }

// NewResultCache creates a result cache on top of store.
func NewResultCache(store Cache, index ScopeIndex, opts ResultOptions) *ResultCache {
	if index == nil {
		index = NewMemoryScopeIndex()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &ResultCache{
		store: store,
		index: index,
		codec: NewCodec(opts.CompressThreshold),
		ttls:  opts.TTLs.withDefaults(),
		now:   now,
	}
}

// SetPublisher attaches a peer broadcaster used on invalidation and flush.
func (c *ResultCache) SetPublisher(p Publisher) {
	c.pub.Store(&publisherBox{p: p})
}

func (c *ResultCache) publisher() Publisher {
	if b := c.pub.Load(); b != nil {
		return b.p
	}
	return nil
}

// TTLs returns the configured TTL classes.
func (c *ResultCache) TTLs() TTLs { return c.ttls }

// Get returns the live entry for fp. Store errors count as misses.
func (c *ResultCache) Get(ctx context.Context, fp domain.Fingerprint) (*Entry, bool) {
	data, err := c.store.Get(ctx, string(fp))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.Op().Warn("cache read failed", "fingerprint", fp, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	entry, err := c.codec.Decode(data)
	if err != nil {
		logging.Op().Warn("dropping undecodable cache entry", "fingerprint", fp, "error", err)
		_ = c.store.Delete(ctx, string(fp))
		c.misses.Add(1)
		return nil, false
	}
	if entry.Expired(c.now()) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *ResultCache) scopeGen(scope string) *atomic.Uint64 {
	if g, ok := c.gens.Load(scope); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := c.gens.LoadOrStore(scope, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

// Generation returns a value that changes whenever scope is invalidated or
// the cache is flushed. A miss reads it before querying the backends and
// hands it to PutAt.
func (c *ResultCache) Generation(scope string) uint64 {
	return c.epoch.Load() + c.scopeGen(scope).Load()
}

// PutAt stores result only if scope is still at generation gen. A write
// that races an invalidation is rolled back and reported as ErrStale.
func (c *ResultCache) PutAt(ctx context.Context, fp domain.Fingerprint, scope string, result domain.BulkResult, ttl time.Duration, gen uint64) error {
	if c.Generation(scope) != gen {
		return ErrStale
	}
	if err := c.Put(ctx, fp, scope, result, ttl); err != nil {
		return err
	}
	if c.Generation(scope) != gen {
		_ = c.store.Delete(ctx, string(fp))
		return ErrStale
	}
	return nil
}

// Put stores result under fp, replacing any previous entry.
func (c *ResultCache) Put(ctx context.Context, fp domain.Fingerprint, scope string, result domain.BulkResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttls.Bulk
	}
	data, err := c.codec.Encode(&Entry{
		Fingerprint: fp,
		Scope:       scope,
		Result:      result,
		StoredAt:    c.now(),
		TTL:         ttl,
	})
	if err != nil {
		return err
	}
	if err := c.index.Add(ctx, scope, string(fp)); err != nil {
		return err
	}
	return c.store.Set(ctx, string(fp), data, ttl)
}

// Invalidate removes every entry derived from scope and returns how many
// fingerprints were dropped.
func (c *ResultCache) Invalidate(ctx context.Context, scope string) (int, error) {
	c.scopeGen(scope).Add(1)
	keys, err := c.index.Take(ctx, scope)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if p := c.publisher(); p != nil && len(keys) > 0 {
		_ = p.PublishInvalidation(ctx, keys...)
	}
	return len(keys), errors.Join(errs...)
}

// Flush drops every cached result and resets the scope index.
func (c *ResultCache) Flush(ctx context.Context) error {
	c.epoch.Add(1)
	err := errors.Join(c.store.Flush(ctx), c.index.Clear(ctx))
	if p := c.publisher(); p != nil {
		_ = p.PublishFlush(ctx)
	}
	return err
}

// Stats returns hit and miss counters.
func (c *ResultCache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping checks the underlying store.
func (c *ResultCache) Ping(ctx context.Context) error { return c.store.Ping(ctx) }

// Close releases the underlying store.
func (c *ResultCache) Close() error { return c.store.Close() }
