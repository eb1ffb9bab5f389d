package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScopeIndex remembers which cache keys were derived from each scope so
// invalidation removes exactly those keys.
type ScopeIndex interface {
	Add(ctx context.Context, scope, key string) error
	// Take returns the scope's keys and forgets them.
	Take(ctx context.Context, scope string) ([]string, error)
	Clear(ctx context.Context) error
}

// MemoryScopeIndex is a process-local ScopeIndex.
type MemoryScopeIndex struct {
	mu     sync.Mutex
	scopes map[string]map[string]struct{}
}

// NewMemoryScopeIndex creates an empty index.
func NewMemoryScopeIndex() *MemoryScopeIndex {
	return &MemoryScopeIndex{scopes: make(map[string]map[string]struct{})}
}

func (m *MemoryScopeIndex) Add(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.scopes[scope]
	if !ok {
		set = make(map[string]struct{})
		m.scopes[scope] = set
	}
	set[key] = struct{}{}
	return nil
}

func (m *MemoryScopeIndex) Take(_ context.Context, scope string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.scopes[scope]
	delete(m.scopes, scope)
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryScopeIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	m.scopes = make(map[string]map[string]struct{})
	m.mu.Unlock()
	return nil
}

// DefaultScopeIndexPrefix names the Redis sets holding each scope's keys.
const DefaultScopeIndexPrefix = "partsearch:scope:"

// RedisScopeIndex keeps one Redis set per scope, shared by every instance.
type RedisScopeIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisScopeIndex creates a Redis-backed index. ttl should be at least
// the longest cache TTL so the index never forgets a live entry.
func NewRedisScopeIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisScopeIndex {
	if prefix == "" {
		prefix = DefaultScopeIndexPrefix
	}
	return &RedisScopeIndex{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisScopeIndex) Add(ctx context.Context, scope, key string) error {
	setKey := r.prefix + scope
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, setKey, key)
	if r.ttl > 0 {
		pipe.Expire(ctx, setKey, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisScopeIndex) Take(ctx context.Context, scope string) ([]string, error) {
	setKey := r.prefix + scope
	pipe := r.client.TxPipeline()
	members := pipe.SMembers(ctx, setKey)
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members.Val(), nil
}

func (r *RedisScopeIndex) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Unlink(ctx, keys...).Err()
}
