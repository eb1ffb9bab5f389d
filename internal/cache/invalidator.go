package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/partsearch/internal/logging"
)

const (
	// InvalidationChannel is the Redis Pub/Sub channel used for cache
	// invalidation signals. The node that invalidates a scope publishes every
	// removed fingerprint here and all subscribed nodes delete it from their
	// L1 cache without waiting for TTL expiry.
	InvalidationChannel = "partsearch:cache:invalidate"

	// flushAll is the payload that asks peers to drop their whole L1.
	flushAll = "*"
)

// Publisher broadcasts removed keys to peer instances.
type Publisher interface {
	PublishInvalidation(ctx context.Context, keys ...string) error
	PublishFlush(ctx context.Context) error
}

// CacheInvalidator listens for invalidation signals over Redis Pub/Sub
// and evicts the corresponding keys from a local cache (the L1 in-memory
// cache in a tiered setup).
type CacheInvalidator struct {
	local  Cache
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewCacheInvalidator creates a cache invalidator that subscribes to Redis
// Pub/Sub and invalidates keys in the local cache when signals arrive.
func NewCacheInvalidator(local Cache, client *redis.Client) *CacheInvalidator {
	return &CacheInvalidator{
		local:  local,
		client: client,
	}
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called.
func (ci *CacheInvalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	if ci.closed {
		ci.mu.Unlock()
		cancel()
		return
	}
	ci.cancel = cancel
	ci.mu.Unlock()

	pubsub := ci.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == flushAll {
				_ = ci.local.Flush(subCtx)
				continue
			}
			_ = ci.local.Delete(subCtx, msg.Payload)
		}
	}
}

// PublishInvalidation publishes one signal per removed key.
func (ci *CacheInvalidator) PublishInvalidation(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := ci.client.Pipeline()
	for _, k := range keys {
		pipe.Publish(ctx, InvalidationChannel, k)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		logging.Op().Warn("cache invalidation broadcast failed", "keys", len(keys), "error", err)
	}
	return err
}

// PublishFlush asks every peer to drop its L1 cache.
func (ci *CacheInvalidator) PublishFlush(ctx context.Context) error {
	return ci.client.Publish(ctx, InvalidationChannel, flushAll).Err()
}

// Close stops the invalidation listener.
func (ci *CacheInvalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}
