package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces bucket keys in Redis.
const DefaultKeyPrefix = "partsearch:rl:"

// tokenBucketScript refills and drains one bucket atomically.
//
// Keys: KEYS[1] = bucket key
// Args: ARGV[1] = max_tokens, ARGV[2] = refill_rate, ARGV[3] = requested, ARGV[4] = now (unix microseconds)
// Returns: {allowed (0/1), remaining tokens}
var tokenBucketScript = redis.NewScript(`
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_refill")
local tokens = tonumber(state[1]) or max_tokens
local last_refill = tonumber(state[2]) or now

local elapsed = (now - last_refill) / 1000000.0
if elapsed > 0 then
    tokens = math.min(max_tokens, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_refill", tostring(now))
-- Idle buckets expire after twice their refill time, never under a minute
local ttl = math.max(60, math.ceil(max_tokens / refill_rate * 2))
redis.call("EXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens)}
`)

// RedisBackend keeps buckets in Redis, shared by every instance.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis-backed bucket store.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	result, err := tokenBucketScript.Run(ctx, b.client, []string{b.prefix + key},
		maxTokens, refillRate, requested, redisTimeNow(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit check: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("redis rate limit check: unexpected reply length %d", len(result))
	}
	return result[0] == 1, int(result[1]), nil
}

// redisTimeNow returns the current time in microseconds for the Lua script.
var redisTimeNow = func() int64 {
	return time.Now().UnixMicro()
}
