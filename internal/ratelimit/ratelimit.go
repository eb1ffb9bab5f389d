// Package ratelimit throttles HTTP callers with token buckets. Buckets live
// in Redis so every instance shares them; when Redis is unreachable the
// limiter degrades to per-instance buckets until it recovers.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Backend performs one token bucket check.
type Backend interface {
	// CheckRateLimit takes requested tokens from the bucket at key, which
	// holds at most maxTokens and refills at refillRate tokens per second.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// Config holds per-client limits for the HTTP surface.
type Config struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	// PublicPaths skip the limiter. A trailing "/*" matches a prefix.
	PublicPaths []string `json:"public_paths" yaml:"public_paths"`
}

// DefaultConfig leaves limiting off with limits ready to enable.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		Burst:             40,
		PublicPaths:       []string{"/health", "/health/*", "/metrics", "/metrics/*"},
	}
}

// Limiter applies one Config to any number of client keys.
type Limiter struct {
	backend Backend
	cfg     Config
}

// New creates a limiter. A non-positive burst defaults to the per-second rate.
func New(backend Backend, cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &Limiter{backend: backend, cfg: cfg}
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow takes one token for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.cfg.Burst, l.cfg.RequestsPerSecond, 1)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	// Calculate when the bucket will be full again
	missing := float64(l.cfg.Burst - remaining)
	resetAt := time.Now().Add(time.Duration(missing / l.cfg.RequestsPerSecond * float64(time.Second)))

	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

// KeyForIP returns the rate limit key for a client address
func KeyForIP(ip string) string {
	return "ip:" + ip
}
