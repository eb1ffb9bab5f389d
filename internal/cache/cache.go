// Package cache stores search results keyed by query fingerprint. The byte
// level Cache interface has an in-memory (L1), Redis (L2) and tiered
// implementation; ResultCache layers the result codec, TTL classes and the
// per-scope fingerprint index on top of it.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL, replacing any previous value.
	// A zero TTL means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Flush drops every entry owned by this cache.
	Flush(ctx context.Context) error

	// Ping verifies connectivity to the underlying cache backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the cache implementation.
	Close() error
}

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time
