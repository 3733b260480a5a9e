package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayforge/llm-gateway/internal/accounting"
	"github.com/relayforge/llm-gateway/internal/adapters"
	rfCache "github.com/relayforge/llm-gateway/internal/cache"
	"github.com/relayforge/llm-gateway/internal/catalog"
	"github.com/relayforge/llm-gateway/internal/family"
	"github.com/relayforge/llm-gateway/internal/gateway"
	"github.com/relayforge/llm-gateway/internal/logger"
	"github.com/relayforge/llm-gateway/internal/metrics"
	"github.com/relayforge/llm-gateway/internal/notify"
	"github.com/relayforge/llm-gateway/internal/ratelimit"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/internal/store"
)

// initInfra establishes the external connections: the relational store
// always, Redis only when the cache or rate limiter needs it.
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(a.cfg.DatabaseDSN, a.log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st
	if a.cfg.AutoMigrate {
		if err := st.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.log.Info("schema migrated")
	}

	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the catalog, the routing cache backend, the metrics
// registry, and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.cat = catalog.New(a.st, a.cfg.CatalogTTL, a.log)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("routing cache backend: redis")
	case "memory":
		a.memCache = rfCache.NewMemoryCache(a.baseCtx)
		a.log.Info("routing cache backend: memory (in-process)")
	case "none":
		a.log.Info("routing cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.notifier = notify.New(a.cfg.NotifyURL, notify.Options{}, a.log)
	if a.notifier != nil {
		a.log.Info("failure notifications enabled", slog.String("url", a.cfg.NotifyURL))
	}

	return nil
}

// initPipeline builds the request pipeline: selector, family router, the
// upstream HTTP client, and the accounting worker.
func (a *App) initPipeline(_ context.Context) error {
	a.client = adapters.NewClient(adapters.ClientOptions{
		Timeout:           a.cfg.Upstream.Timeout,
		StreamIdleTimeout: a.cfg.Upstream.StreamIdleTimeout,
		Logger:            a.log,
	})

	a.sel = selector.New(a.cat, a.st, a.log)

	var routingCache rfCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		routingCache = rfCache.NewRedisCache(a.rdb)
	case "memory":
		routingCache = a.memCache
	}

	var exclusions *rfCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := rfCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("routing cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.families = family.New(a.cat, a.client, routingCache, exclusions, a.log)
	a.families.SetCacheMetrics(a.prom)
	a.worker = accounting.New(a.st, a.log)

	return nil
}

// initGateway wires the orchestrator and builds the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	gw := gateway.New(a.baseCtx, a.st, a.cat, a.sel, a.families, a.client, a.worker,
		gateway.Options{
			Logger:         a.log,
			DefaultRatioSP: a.cfg.RatioSP,
			MetricsWindow:  a.cfg.MetricsWindowSize,
			WebhookSecret:  a.cfg.WebhookSecret,
			Metrics:        a.prom,
			CORSOrigins:    a.cfg.CORSOrigins,
			CBConfig: gateway.CBConfig{
				ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
				TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
				HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
			},
		})

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetRequestLogger(a.reqLogger)

	if a.notifier != nil {
		gw.SetNotifier(a.notifier)
	}

	if a.rdb != nil {
		rdb := a.rdb
		gw.SetRedisProbe(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	a.gw = gw
	a.srv = gw.NewServer()

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
