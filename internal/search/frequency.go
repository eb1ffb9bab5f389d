package search

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/partsearch/internal/domain"
)

// DefaultFrequencyPrefix namespaces the per-scope sorted sets in Redis.
const DefaultFrequencyPrefix = "partsearch:freq:"

// FrequencyTracker counts how often keys are queried per scope so the
// warmer can pre-populate the cache with the hottest ones.
type FrequencyTracker interface {
	Record(ctx context.Context, scope string, keys domain.KeySet) error
	Top(ctx context.Context, scope string, n int) (domain.KeySet, error)
	Forget(ctx context.Context, scope string) error
}

// MemoryFrequency is an in-process tracker.
type MemoryFrequency struct {
	mu     sync.Mutex
	counts map[string]map[domain.SearchKey]int64
}

func NewMemoryFrequency() *MemoryFrequency {
	return &MemoryFrequency{counts: make(map[string]map[domain.SearchKey]int64)}
}

func (m *MemoryFrequency) Record(_ context.Context, scope string, keys domain.KeySet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[scope]
	if !ok {
		c = make(map[domain.SearchKey]int64)
		m.counts[scope] = c
	}
	for _, k := range keys {
		c[k]++
	}
	return nil
}

// Top returns the n most queried keys, most frequent first. Ties are
// broken by key so the order is stable.
func (m *MemoryFrequency) Top(_ context.Context, scope string, n int) (domain.KeySet, error) {
	m.mu.Lock()
	c := m.counts[scope]
	keys := make(domain.KeySet, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c[keys[i]] != c[keys[j]] {
			return c[keys[i]] > c[keys[j]]
		}
		return keys[i] < keys[j]
	})
	m.mu.Unlock()

	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys, nil
}

func (m *MemoryFrequency) Forget(_ context.Context, scope string) error {
	m.mu.Lock()
	delete(m.counts, scope)
	m.mu.Unlock()
	return nil
}

// RedisFrequency keeps one sorted set per scope, shared across instances.
type RedisFrequency struct {
	client *redis.Client
	prefix string
}

func NewRedisFrequency(client *redis.Client, prefix string) *RedisFrequency {
	if prefix == "" {
		prefix = DefaultFrequencyPrefix
	}
	return &RedisFrequency{client: client, prefix: prefix}
}

func (r *RedisFrequency) key(scope string) string {
	return r.prefix + scope
}

// Record increments every key in one pipelined round trip.
func (r *RedisFrequency) Record(ctx context.Context, scope string, keys domain.KeySet) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	zkey := r.key(scope)
	for _, k := range keys {
		pipe.ZIncrBy(ctx, zkey, 1, string(k))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisFrequency) Top(ctx context.Context, scope string, n int) (domain.KeySet, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	members, err := r.client.ZRevRange(ctx, r.key(scope), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make(domain.KeySet, len(members))
	for i, m := range members {
		out[i] = domain.SearchKey(m)
	}
	return out, nil
}

func (r *RedisFrequency) Forget(ctx context.Context, scope string) error {
	return r.client.Del(ctx, r.key(scope)).Err()
}
