package cache

import (
	"context"
	"time"
)

// TieredCache implements Cache with a fast L1 (in-memory) cache backed
// by a shared L2 (Redis) cache. Reads check L1 first and populate it on an
// L2 hit. Writes go to both layers. Peers drop stale L1 entries when a
// CacheInvalidator broadcasts the deleted key.
type TieredCache struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration // upper bound for L1 entries
}

// NewTieredCache creates a two-level cache.
// l1TTL caps how long items live in the L1 cache (default: 1m).
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	if l1TTL <= 0 {
		l1TTL = time.Minute
	}
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// L1 returns the local tier, the target of peer invalidations.
func (t *TieredCache) L1() Cache { return t.l1 }

func (t *TieredCache) localTTL(ttl time.Duration) time.Duration {
	if ttl > 0 && ttl < t.l1TTL {
		return ttl
	}
	return t.l1TTL
}

func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Get(ctx, key)
	if err == nil {
		return val, nil
	}

	val, err = t.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.l1.Set(ctx, key, value, t.localTTL(ttl))
	return t.l2.Set(ctx, key, value, ttl)
}

func (t *TieredCache) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	return t.l2.Delete(ctx, key)
}

func (t *TieredCache) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := t.l1.Exists(ctx, key)
	if err == nil && ok {
		return true, nil
	}
	return t.l2.Exists(ctx, key)
}

func (t *TieredCache) Flush(ctx context.Context) error {
	_ = t.l1.Flush(ctx)
	return t.l2.Flush(ctx)
}

func (t *TieredCache) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *TieredCache) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}
