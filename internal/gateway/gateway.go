// Package gateway is the request orchestrator and HTTP surface.
//
// One inbound chat request flows: auth → validation → family resolution (for
// synthetic family model IDs) → provider selection → the fallback loop over
// the ranked candidates → response delivery (JSON or SSE) → background
// persistence of the durable request record. Money never moves here; the
// persisted record lands in ready_to_compute and the accounting worker does
// the rest.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/relayforge/llm-gateway/internal/accounting"
	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/catalog"
	"github.com/relayforge/llm-gateway/internal/family"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/logger"
	"github.com/relayforge/llm-gateway/internal/metrics"
	"github.com/relayforge/llm-gateway/internal/notify"
	"github.com/relayforge/llm-gateway/internal/ratelimit"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/internal/store"
)

// Store is the persistence surface the orchestrator needs. *store.Store
// implements it; tests substitute doubles.
type Store interface {
	CreateRequest(ctx context.Context, r *store.Request) error
	CreateRequestContent(ctx context.Context, c *store.RequestContent) error
	CreateMetrics(ctx context.Context, m *store.Metrics) error
	APIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, name string)
	WalletBalance(ctx context.Context, userID string) (float64, error)
	Ping(ctx context.Context) error
}

// Selector ranks candidates for a request.
type Selector interface {
	Select(ctx context.Context, req *llm.ChatRequest, userID string, opts selector.Options) ([]selector.Candidate, error)
}

// FamilyRouter resolves family model IDs to concrete models.
type FamilyRouter interface {
	EvaluateAndRoute(ctx context.Context, fam *store.Family, req *llm.ChatRequest) (*family.RoutingResult, error)
}

// Executor drives adapters over HTTP. *adapters.Client implements it.
type Executor interface {
	Do(ctx context.Context, ad adapters.Adapter, req *llm.ChatRequest, v *store.ModelVariant) (*llm.ChatCompletion, error)
	Stream(ctx context.Context, ad adapters.Adapter, req *llm.ChatRequest, v *store.ModelVariant) (*adapters.Stream, error)
}

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events and fallback
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// DefaultRatioSP is the price/performance ratio used when the caller
	// sends no X-Price-Performance-Ratio header.
	DefaultRatioSP int

	// MetricsWindow is the median window for selector metric reads.
	MetricsWindow int

	// WebhookSecret guards the accounting and invalidation webhooks.
	WebhookSecret string

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics
	// are disabled.
	Metrics *metrics.Registry

	// CORSOrigins is the CORS allowlist. Empty means "*".
	CORSOrigins []string
}

// Gateway is the orchestrator. All dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	store    Store
	catalog  *catalog.Catalog
	selector Selector
	families FamilyRouter
	exec     Executor
	worker   *accounting.Worker
	cb       *CircuitBreaker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	defaultRatioSP int
	metricsWindow  int
	webhookSecret  string
	corsOrigins    []string

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger
	notifier   *notify.Notifier
	redisReady func(context.Context) error
}

// New creates a Gateway. baseCtx outlives individual requests and scopes the
// background persistence writes.
func New(
	baseCtx context.Context,
	st Store,
	cat *catalog.Catalog,
	sel Selector,
	families FamilyRouter,
	exec Executor,
	worker *accounting.Worker,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ratio := opts.DefaultRatioSP
	if ratio <= 0 || ratio > 100 {
		ratio = selector.DefaultRatioSP
	}
	window := opts.MetricsWindow
	if window <= 0 {
		window = selector.DefaultMetricsWindow
	}

	return &Gateway{
		store:          st,
		catalog:        cat,
		selector:       sel,
		families:       families,
		exec:           exec,
		worker:         worker,
		cb:             NewCircuitBreaker(opts.CBConfig),
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		defaultRatioSP: ratio,
		metricsWindow:  window,
		webhookSecret:  opts.WebhookSecret,
		corsOrigins:    opts.CORSOrigins,
	}
}

// SetRateLimiter injects the global RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetRequestLogger injects the async request analytics logger.
func (g *Gateway) SetRequestLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetNotifier injects the transient-failure notification sink.
func (g *Gateway) SetNotifier(n *notify.Notifier) {
	g.notifier = n
}

// SetRedisProbe injects the Redis connectivity check used by GET /readiness.
func (g *Gateway) SetRedisProbe(probe func(context.Context) error) {
	g.redisReady = probe
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, userID, provider, model string, inputTokens, outputTokens int, latency time.Duration, status int, streaming bool) {
	if g.reqLogger == nil {
		return
	}
	g.reqLogger.Log(logger.RequestLog{
		RequestID:    requestID,
		UserID:       userID,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
		Streaming:    streaming,
		CreatedAt:    time.Now().UTC(),
	})
}

// notifyFailure publishes a transient-failure event. Fire and forget.
func (g *Gateway) notifyFailure(requestID string, v *store.ModelVariant, err error) {
	g.notifier.Publish(notify.Event{
		Provider:  v.Provider,
		ModelID:   v.ModelID,
		RequestID: requestID,
		Message:   err.Error(),
	})
}
