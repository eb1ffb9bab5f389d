package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/partsearch/internal/backend"
	"github.com/oriys/partsearch/internal/cache"
	"github.com/oriys/partsearch/internal/circuitbreaker"
	"github.com/oriys/partsearch/internal/config"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/metrics"
	"github.com/oriys/partsearch/internal/notify"
	"github.com/oriys/partsearch/internal/search"
)

// loadConfig reads the config file (if any), then environment overrides,
// then command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if pgDSN != "" {
		cfg.Postgres.DSN = pgDSN
	}
	if sqlitePath != "" {
		cfg.SQLite.Path = sqlitePath
	}
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)
	return cfg, nil
}

// runtimeOptions selects what buildRuntime wires.
type runtimeOptions struct {
	// memoryIndex adds the in-process index. It only holds rows loaded
	// through a running server.
	memoryIndex bool
	// listen subscribes to peer cache invalidations.
	listen bool
}

// runtime owns every long-lived collaborator of the search service.
type runtime struct {
	cfg         *config.Config
	redis       *redis.Client
	svc         *search.Service
	results     *cache.ResultCache
	invalidator *cache.CacheInvalidator
	notifier    notify.Notifier
	backends    []backend.Backend
}

func buildRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if cfg.Redis.Enabled() {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = rt.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return rt, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	rt.buildCache(ctx, opts.listen)

	if err = rt.openBackends(ctx, opts.memoryIndex); err != nil {
		return rt, err
	}
	breakers := circuitbreaker.NewRegistry()
	m := metrics.Global()
	guarded := make([]backend.Backend, 0, len(rt.backends))
	for _, b := range rt.backends {
		guarded = append(guarded, backend.Guard(b, cfg.Guard(b.Name()), breakers, m))
	}
	guarded = search.Order(guarded, cfg.Search.Priority)

	if rt.notifier, err = buildNotifier(cfg, rt.redis); err != nil {
		return rt, err
	}

	var freq search.FrequencyTracker = search.NewMemoryFrequency()
	if rt.redis != nil {
		freq = search.NewRedisFrequency(rt.redis, "")
	}

	searchLog := logging.Default()
	if cfg.Daemon.SearchLog != "" {
		if err = searchLog.SetOutput(cfg.Daemon.SearchLog); err != nil {
			return rt, fmt.Errorf("open search log: %w", err)
		}
	}

	rt.svc, err = search.New(guarded, cfg.Search,
		search.WithCache(rt.results),
		search.WithFrequency(freq),
		search.WithNotifier(rt.notifier),
		search.WithMetrics(m),
		search.WithBreakers(breakers),
		search.WithSearchLogger(searchLog),
	)
	return rt, err
}

// buildCache wires an in-memory result cache, or an L1/L2 tiered cache with
// a shared scope index and peer invalidation when Redis is configured.
func (rt *runtime) buildCache(ctx context.Context, listen bool) {
	cc := rt.cfg.Cache
	opts := cache.ResultOptions{TTLs: cc.TTLs(), CompressThreshold: cc.CompressThreshold}
	l1 := cache.NewInMemoryCache(cache.WithMaxEntries(cc.L1MaxEntries))
	if rt.redis == nil {
		rt.results = cache.NewResultCache(l1, nil, opts)
		return
	}

	l2 := cache.NewRedisCacheFromClient(rt.redis, cc.KeyPrefix)
	ttl := max(cc.SingleKeyTTL, cc.BulkTTL, cc.WarmTTL)
	index := cache.NewRedisScopeIndex(rt.redis, "", 2*ttl)
	rt.results = cache.NewResultCache(cache.NewTieredCache(l1, l2, cc.L1TTL), index, opts)

	rt.invalidator = cache.NewCacheInvalidator(l1, rt.redis)
	rt.results.SetPublisher(rt.invalidator)
	if listen {
		go rt.invalidator.Start(ctx)
	}
}

// openBackends connects every configured engine. A configured engine that
// cannot be opened fails startup.
func (rt *runtime) openBackends(ctx context.Context, memoryIndex bool) error {
	cfg := rt.cfg
	if memoryIndex {
		rt.backends = append(rt.backends, backend.NewMemoryIndex())
	}
	if len(cfg.Elasticsearch.Addresses) > 0 {
		es, err := backend.NewElasticsearch(cfg.Elasticsearch)
		if err != nil {
			return err
		}
		rt.backends = append(rt.backends, es)
	}
	if cfg.Postgres.DSN != "" {
		pg, err := backend.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		rt.backends = append(rt.backends, pg)
	}
	if cfg.SQLite.Path != "" {
		sq, err := backend.NewSQLite(cfg.SQLite)
		if err != nil {
			return err
		}
		rt.backends = append(rt.backends, sq)
	}
	if len(rt.backends) == 0 {
		return fmt.Errorf("no search backend configured (set elasticsearch, postgres or sqlite)")
	}
	for _, b := range rt.backends {
		logging.Op().Info("search backend opened", "backend", b.Name())
	}
	return nil
}

// buildNotifier prefers NATS, then Redis pub/sub, then in-process delivery.
func buildNotifier(cfg *config.Config, client *redis.Client) (notify.Notifier, error) {
	switch {
	case cfg.NATS.URL != "":
		n, err := notify.NewNATSNotifier(cfg.NATS)
		if err != nil {
			return nil, err
		}
		logging.Op().Info("search events published to nats", "subject", cfg.NATS.Subject)
		return n, nil
	case client != nil:
		return notify.NewRedisNotifier(client, ""), nil
	default:
		return notify.NewChannelNotifier(), nil
	}
}

// Close releases collaborators in reverse dependency order. The Redis
// client is closed last, through the cache that wraps it.
func (rt *runtime) Close() {
	if rt.svc != nil {
		rt.svc.Close()
	}
	if rt.notifier != nil {
		rt.notifier.Close()
	}
	if rt.invalidator != nil {
		rt.invalidator.Close()
	}
	for _, b := range rt.backends {
		if err := b.Close(); err != nil {
			logging.Op().Warn("backend close failed", "backend", b.Name(), "error", err)
		}
	}
	switch {
	case rt.results != nil:
		rt.results.Close()
	case rt.redis != nil:
		rt.redis.Close()
	}
	logging.Default().Close()
}
