// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
//
// Upstream provider credentials are NOT configured here. Each row of the
// models table names its secret's environment variable (api_key_ref); the
// adapters resolve it at call time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatabaseDSN is the connection string of the relational store. The URL
	// scheme selects the driver: postgres://, mysql://, or sqlite://.
	// Required.
	DatabaseDSN string

	// AutoMigrate runs the schema migration on startup. Default: false.
	AutoMigrate bool

	// Redis holds the connection URL for the Redis-backed routing cache and
	// rate limiter. Required only when CacheMode is "redis" or RPMLimit > 0.
	Redis RedisConfig

	// Cache controls the family-routing memoization backend.
	Cache CacheConfig

	// CatalogTTL is how long the in-process model/family snapshot is served
	// before a reload. Default: 5m.
	CatalogTTL time.Duration

	// RatioSP is the default price/performance ratio [0..100] applied when
	// the caller sends no X-Price-Performance-Ratio header. Default: 50.
	RatioSP int

	// MetricsWindowSize is how many recent requests per variant feed the
	// selector's throughput and latency medians. Default: 10.
	MetricsWindowSize int

	// Accounting controls the token accounting worker.
	Accounting AccountingConfig

	// WebhookSecret guards POST /webhook/calculate-tokens and
	// POST /webhook/invalidate-models. Empty disables the webhooks.
	WebhookSecret string

	// NotifyURL receives provider-failure events as JSON POSTs.
	// Empty disables notifications.
	NotifyURL string

	// Upstream controls the HTTP client driving provider calls.
	Upstream UpstreamConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the family-routing memoization cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL cache. No external deps; not shared.
	//   "none"   — Memoization disabled; every request runs the evaluator.
	// Default: "memory".
	Mode string

	// ExcludeExact lists model or family names that must never be memoized.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against model and
	// family names. Matching requests are not memoized.
	ExcludePatterns []string
}

// AccountingConfig controls the background token accounting worker.
type AccountingConfig struct {
	// BatchSize is the maximum number of ready records per run. Default: 50.
	BatchSize int

	// TimeLimit is the soft deadline of one run. Default: 30s.
	TimeLimit time.Duration

	// Interval is the periodic run interval. Default: 60s.
	Interval time.Duration
}

// UpstreamConfig controls the shared HTTP client for provider calls.
type UpstreamConfig struct {
	// Timeout is the end-to-end timeout of a non-streaming call. Default: 60s.
	Timeout time.Duration

	// StreamIdleTimeout aborts a stream that delivers nothing for this long.
	// Default: 90s.
	StreamIdleTimeout time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0. Requires REDIS_URL when set.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTO_MIGRATE", false)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CATALOG_TTL", "5m")

	v.SetDefault("RATIO_SP", 50)
	v.SetDefault("METRICS_WINDOW_SIZE", 10)

	v.SetDefault("ACCOUNTING_BATCH_SIZE", 50)
	v.SetDefault("ACCOUNTING_TIME_LIMIT", "30s")
	v.SetDefault("ACCOUNTING_INTERVAL", "60s")

	v.SetDefault("UPSTREAM_TIMEOUT", "60s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "90s")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseDSN: v.GetString("DATABASE_DSN"),
		AutoMigrate: v.GetBool("AUTO_MIGRATE"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CatalogTTL: v.GetDuration("CATALOG_TTL"),

		RatioSP:           v.GetInt("RATIO_SP"),
		MetricsWindowSize: v.GetInt("METRICS_WINDOW_SIZE"),

		Accounting: AccountingConfig{
			BatchSize: v.GetInt("ACCOUNTING_BATCH_SIZE"),
			TimeLimit: v.GetDuration("ACCOUNTING_TIME_LIMIT"),
			Interval:  v.GetDuration("ACCOUNTING_INTERVAL"),
		},

		WebhookSecret: v.GetString("WEBHOOK_SECRET"),
		NotifyURL:     v.GetString("NOTIFY_URL"),

		Upstream: UpstreamConfig{
			Timeout:           v.GetDuration("UPSTREAM_TIMEOUT"),
			StreamIdleTimeout: v.GetDuration("STREAM_IDLE_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf(
			"config: DATABASE_DSN is required " +
				"(postgres://, mysql://, or sqlite:// connection string)",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RatioSP < 0 || c.RatioSP > 100 {
		return fmt.Errorf("config: RATIO_SP must be in [0..100], got %d", c.RatioSP)
	}
	if c.MetricsWindowSize < 1 {
		return fmt.Errorf("config: METRICS_WINDOW_SIZE must be ≥ 1, got %d", c.MetricsWindowSize)
	}

	if c.Accounting.BatchSize < 1 {
		return fmt.Errorf("config: ACCOUNTING_BATCH_SIZE must be ≥ 1, got %d", c.Accounting.BatchSize)
	}
	if c.Accounting.Interval <= 0 {
		return fmt.Errorf("config: ACCOUNTING_INTERVAL must be a positive duration")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
