package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/partsearch/internal/backend"
	"github.com/oriys/partsearch/internal/cache"
	"github.com/oriys/partsearch/internal/circuitbreaker"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/notify"
	"github.com/oriys/partsearch/internal/observability"
	"github.com/oriys/partsearch/internal/ratelimit"
	"github.com/oriys/partsearch/internal/search"
)

// RedisConfig holds Redis connection settings. An empty Addr disables every
// Redis-backed component.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// CacheConfig holds result cache settings
type CacheConfig struct {
	L1MaxEntries      int           `json:"l1_max_entries" yaml:"l1_max_entries"`
	L1TTL             time.Duration `json:"l1_ttl" yaml:"l1_ttl"`
	SingleKeyTTL      time.Duration `json:"single_key_ttl" yaml:"single_key_ttl"`
	BulkTTL           time.Duration `json:"bulk_ttl" yaml:"bulk_ttl"`
	WarmTTL           time.Duration `json:"warm_ttl" yaml:"warm_ttl"`
	CompressThreshold int           `json:"compress_threshold" yaml:"compress_threshold"`
	KeyPrefix         string        `json:"key_prefix" yaml:"key_prefix"`
}

// TTLs returns the TTL classes.
func (c CacheConfig) TTLs() cache.TTLs {
	return cache.TTLs{SingleKey: c.SingleKeyTTL, Bulk: c.BulkTTL, Warm: c.WarmTTL}
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // text, json
	// SearchLog appends one JSON line per search to this file when set.
	SearchLog string `json:"search_log" yaml:"search_log"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Search        search.Config                  `json:"search" yaml:"search"`
	Cache         CacheConfig                    `json:"cache" yaml:"cache"`
	Redis         RedisConfig                    `json:"redis" yaml:"redis"`
	Postgres      backend.PostgresConfig         `json:"postgres" yaml:"postgres"`
	SQLite        backend.SQLiteConfig           `json:"sqlite" yaml:"sqlite"`
	Elasticsearch backend.ElasticsearchConfig    `json:"elasticsearch" yaml:"elasticsearch"`
	NATS          notify.NATSConfig              `json:"nats" yaml:"nats"`
	Backends      map[string]backend.GuardConfig `json:"backends" yaml:"backends"`
	Daemon        DaemonConfig                   `json:"daemon" yaml:"daemon"`
	RateLimit     ratelimit.Config               `json:"rate_limit" yaml:"rate_limit"`
	Observability observability.Config           `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Search: search.DefaultConfig(),
		Cache: CacheConfig{
			L1MaxEntries:      cache.DefaultMaxEntries,
			L1TTL:             time.Minute,
			SingleKeyTTL:      cache.DefaultSingleKeyTTL,
			BulkTTL:           cache.DefaultBulkTTL,
			WarmTTL:           cache.DefaultWarmTTL,
			CompressThreshold: cache.DefaultCompressThreshold,
			KeyPrefix:         cache.DefaultKeyPrefix,
		},
		Postgres: backend.PostgresConfig{
			MaxConns: 10,
		},
		Elasticsearch: backend.ElasticsearchConfig{
			Index:   backend.DefaultElasticsearchIndex,
			Timeout: 10 * time.Second,
		},
		NATS: notify.NATSConfig{
			Subject: notify.DefaultNATSSubject,
		},
		Backends: map[string]backend.GuardConfig{},
		Daemon: DaemonConfig{
			HTTPAddr:  ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		RateLimit:     ratelimit.DefaultConfig(),
		Observability: observability.DefaultConfig(),
	}
}

// Guard returns the limits for the named backend. The in-memory index is
// never breaker-guarded.
func (c *Config) Guard(name string) backend.GuardConfig {
	g, ok := c.Backends[name]
	if !ok {
		g = backend.DefaultGuardConfig()
	}
	if name == backend.NameMemory {
		g.Breaker = circuitbreaker.Config{}
	}
	return g
}

// Validate checks settings that would make every request fail.
func (c *Config) Validate() error {
	if err := c.Search.Validate(); err != nil {
		return err
	}
	known := map[string]bool{
		backend.NameMemory:        true,
		backend.NameElasticsearch: true,
		backend.NamePostgres:      true,
		backend.NameSQLite:        true,
	}
	for _, name := range c.Search.Priority {
		if !known[name] {
			return fmt.Errorf("search.priority: unknown backend %q", name)
		}
	}
	for name := range c.Backends {
		if !known[name] {
			return fmt.Errorf("backends: unknown backend %q", name)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive when enabled")
	}
	if c.Cache.CompressThreshold < 0 {
		return fmt.Errorf("cache.compress_threshold must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file. The format is
// picked by extension; anything other than .yaml or .yml is read as JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Malformed numeric values are logged and ignored.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PARTSEARCH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PARTSEARCH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PARTSEARCH_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("PARTSEARCH_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("PARTSEARCH_ES_ADDRESSES"); v != "" {
		cfg.Elasticsearch.Addresses = splitList(v)
	}
	if v := os.Getenv("PARTSEARCH_ES_INDEX"); v != "" {
		cfg.Elasticsearch.Index = v
	}
	if v := os.Getenv("PARTSEARCH_ES_USERNAME"); v != "" {
		cfg.Elasticsearch.Username = v
	}
	if v := os.Getenv("PARTSEARCH_ES_PASSWORD"); v != "" {
		cfg.Elasticsearch.Password = v
	}
	if v := os.Getenv("PARTSEARCH_ES_API_KEY"); v != "" {
		cfg.Elasticsearch.APIKey = v
	}
	if v := os.Getenv("PARTSEARCH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PARTSEARCH_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("PARTSEARCH_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("PARTSEARCH_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("PARTSEARCH_BACKEND_PRIORITY"); v != "" {
		cfg.Search.Priority = splitList(v)
	}
	envInt("PARTSEARCH_REDIS_DB", &cfg.Redis.DB)
	envInt("PARTSEARCH_BATCH_SIZE", &cfg.Search.BatchSize)
	envInt("PARTSEARCH_MAX_CONCURRENCY", &cfg.Search.MaxConcurrency)
	envInt("PARTSEARCH_PER_KEY_LIMIT", &cfg.Search.PerKeyLimit)
	envInt("PARTSEARCH_WARM_TOP_N", &cfg.Search.WarmTopN)
	envDuration("PARTSEARCH_REQUEST_TIMEOUT", &cfg.Search.RequestTimeout)
	if v := os.Getenv("PARTSEARCH_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Enabled = b
		} else {
			logging.Op().Warn("ignoring malformed environment override", "var", "PARTSEARCH_TRACING_ENABLED", "value", v)
		}
	}
	if v := os.Getenv("PARTSEARCH_RATE_LIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RateLimit.Enabled = b
		} else {
			logging.Op().Warn("ignoring malformed environment override", "var", "PARTSEARCH_RATE_LIMIT_ENABLED", "value", v)
		}
	}
	envInt("PARTSEARCH_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	if v := os.Getenv("PARTSEARCH_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Op().Warn("ignoring malformed environment override", "var", name, "value", v)
		return
	}
	*dst = n
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logging.Op().Warn("ignoring malformed environment override", "var", name, "value", v)
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
