// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — database and Redis connections
//  2. initServices — catalog, routing cache, metrics, request logger
//  3. initPipeline — selector, family router, upstream client, accounting
//  4. initGateway  — orchestrator + HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/relayforge/llm-gateway/internal/accounting"
	"github.com/relayforge/llm-gateway/internal/adapters"
	rfCache "github.com/relayforge/llm-gateway/internal/cache"
	"github.com/relayforge/llm-gateway/internal/catalog"
	"github.com/relayforge/llm-gateway/internal/config"
	"github.com/relayforge/llm-gateway/internal/family"
	"github.com/relayforge/llm-gateway/internal/gateway"
	"github.com/relayforge/llm-gateway/internal/logger"
	"github.com/relayforge/llm-gateway/internal/metrics"
	"github.com/relayforge/llm-gateway/internal/notify"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// External connections — rdb is nil when not configured.
	st  *store.Store
	rdb *redis.Client

	memCache  *rfCache.MemoryCache
	reqLogger *logger.Logger
	notifier  *notify.Notifier

	prom *metrics.Registry
	cat  *catalog.Catalog

	sel      *selector.Selector
	families *family.Router
	client   *adapters.Client
	worker   *accounting.Worker

	gw  *gateway.Gateway
	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"pipeline", a.initPipeline},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the accounting scheduler and blocks until
// ctx is cancelled or an error occurs. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Any("adapters", adapters.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		a.worker.Run(gctx, a.cfg.Accounting.Interval,
			a.cfg.Accounting.BatchSize, a.cfg.Accounting.TimeLimit)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.notifier != nil {
		a.notifier.Close()
		a.notifier = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
