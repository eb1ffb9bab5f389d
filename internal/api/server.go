package api

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/partsearch/internal/api/controlplane"
	"github.com/oriys/partsearch/internal/api/dataplane"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/observability"
	"github.com/oriys/partsearch/internal/ratelimit"
	"github.com/oriys/partsearch/internal/search"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Service      *search.Service
	Redis        *redis.Client // Optional: shares rate limit buckets across instances
	RateLimitCfg *ratelimit.Config
}

// NewHandler builds the routed handler with tracing and optional rate
// limiting applied.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	cpHandler := &controlplane.Handler{Service: cfg.Service}
	cpHandler.RegisterRoutes(mux)

	dpHandler := &dataplane.Handler{Service: cfg.Service}
	dpHandler.RegisterRoutes(mux)

	// Wrap with tracing middleware
	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	// Add rate limiting middleware
	if cfg.RateLimitCfg != nil && cfg.RateLimitCfg.Enabled {
		var rl ratelimit.Backend = ratelimit.NewLocalBackend()
		if cfg.Redis != nil {
			rl = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(cfg.Redis, ""))
		}
		limiter := ratelimit.New(rl, *cfg.RateLimitCfg)
		handler = ratelimit.Middleware(limiter, cfg.RateLimitCfg.PublicPaths)(handler)
		logging.Op().Info("rate limiting enabled",
			"rps", cfg.RateLimitCfg.RequestsPerSecond,
			"burst", cfg.RateLimitCfg.Burst,
			"distributed", cfg.Redis != nil)
	}

	return handler
}

// StartHTTPServer creates and starts the HTTP server with control plane and data plane handlers.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
