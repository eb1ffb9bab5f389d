package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/partsearch/internal/backend"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Search.BatchSize != 500 {
		t.Fatalf("expected batch size 500, got %d", cfg.Search.BatchSize)
	}
	if cfg.Search.MaxConcurrency != 4 {
		t.Fatalf("expected concurrency 4, got %d", cfg.Search.MaxConcurrency)
	}
	if cfg.Search.RequestTimeout != 30*time.Second {
		t.Fatalf("expected 30s request timeout, got %v", cfg.Search.RequestTimeout)
	}
	if cfg.Cache.SingleKeyTTL != 30*time.Minute || cfg.Cache.BulkTTL != 5*time.Minute || cfg.Cache.WarmTTL != 10*time.Minute {
		t.Fatalf("unexpected TTL classes: %+v", cfg.Cache.TTLs())
	}
	if cfg.Redis.Enabled() {
		t.Fatal("redis should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partsearch.json")
	data := `{
  "search": {"batch_size": 100, "priority": ["postgres", "memory"]},
  "redis": {"addr": "redis:6379"},
  "daemon": {"http_addr": ":9000"}
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Search.BatchSize != 100 {
		t.Fatalf("expected batch size 100, got %d", cfg.Search.BatchSize)
	}
	if len(cfg.Search.Priority) != 2 || cfg.Search.Priority[0] != backend.NamePostgres {
		t.Fatalf("unexpected priority: %v", cfg.Search.Priority)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Daemon.HTTPAddr != ":9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.Search.MaxConcurrency != 4 {
		t.Fatalf("expected default concurrency, got %d", cfg.Search.MaxConcurrency)
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partsearch.yaml")
	data := `
search:
  request_timeout: 5s
  max_concurrency: 8
cache:
  bulk_ttl: 2m
elasticsearch:
  addresses:
    - http://es-1:9200
    - http://es-2:9200
backends:
  postgres:
    pool_size: 4
    rate_per_second: 50
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Search.RequestTimeout != 5*time.Second {
		t.Fatalf("expected 5s, got %v", cfg.Search.RequestTimeout)
	}
	if cfg.Search.MaxConcurrency != 8 {
		t.Fatalf("expected 8, got %d", cfg.Search.MaxConcurrency)
	}
	if cfg.Cache.BulkTTL != 2*time.Minute {
		t.Fatalf("expected 2m, got %v", cfg.Cache.BulkTTL)
	}
	if len(cfg.Elasticsearch.Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %v", cfg.Elasticsearch.Addresses)
	}
	if g := cfg.Guard(backend.NamePostgres); g.PoolSize != 4 || g.RatePerSecond != 50 {
		t.Fatalf("unexpected guard config: %+v", g)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{"), 0644)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PARTSEARCH_REDIS_ADDR", "cache:6379")
	t.Setenv("PARTSEARCH_POSTGRES_DSN", "postgres://localhost/parts")
	t.Setenv("PARTSEARCH_ES_ADDRESSES", "http://a:9200, http://b:9200")
	t.Setenv("PARTSEARCH_BACKEND_PRIORITY", "elasticsearch,postgres")
	t.Setenv("PARTSEARCH_BATCH_SIZE", "250")
	t.Setenv("PARTSEARCH_MAX_CONCURRENCY", "not-a-number")
	t.Setenv("PARTSEARCH_REQUEST_TIMEOUT", "12s")
	t.Setenv("PARTSEARCH_TRACING_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "cache:6379" || !cfg.Redis.Enabled() {
		t.Fatalf("redis addr not applied: %+v", cfg.Redis)
	}
	if cfg.Postgres.DSN != "postgres://localhost/parts" {
		t.Fatalf("postgres dsn not applied: %q", cfg.Postgres.DSN)
	}
	if len(cfg.Elasticsearch.Addresses) != 2 || cfg.Elasticsearch.Addresses[1] != "http://b:9200" {
		t.Fatalf("unexpected es addresses: %v", cfg.Elasticsearch.Addresses)
	}
	if len(cfg.Search.Priority) != 2 || cfg.Search.Priority[0] != backend.NameElasticsearch {
		t.Fatalf("unexpected priority: %v", cfg.Search.Priority)
	}
	if cfg.Search.BatchSize != 250 {
		t.Fatalf("expected 250, got %d", cfg.Search.BatchSize)
	}
	if cfg.Search.MaxConcurrency != 4 {
		t.Fatalf("malformed override should be ignored, got %d", cfg.Search.MaxConcurrency)
	}
	if cfg.Search.RequestTimeout != 12*time.Second {
		t.Fatalf("expected 12s, got %v", cfg.Search.RequestTimeout)
	}
	if !cfg.Observability.Enabled {
		t.Fatal("tracing should be enabled")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Search.Priority = []string{"memory", "mongo"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend in priority")
	}

	cfg = DefaultConfig()
	cfg.Search.BatchSize = -5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative batch size")
	}

	cfg = DefaultConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled rate limit without a rate")
	}
}

func TestGuardDisablesBreakerForMemory(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Guard(backend.NameMemory).Breaker.Enabled() {
		t.Fatal("memory index should not be breaker-guarded")
	}
	if !cfg.Guard(backend.NamePostgres).Breaker.Enabled() {
		t.Fatal("postgres should use the default breaker")
	}
}
