package gateway

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.authRequired(g.handleChatCompletions))
	r.POST("/v1/completion", g.authRequired(g.handleCompletion))
	r.POST("/v1/chat/estimate", g.authRequired(g.handleEstimate))
	r.GET("/v1/models", g.authRequired(g.handleModels))

	r.POST("/webhook/calculate-tokens", g.webhookAuth(g.handleCalculateTokens))
	r.POST("/webhook/invalidate-models", g.webhookAuth(g.handleInvalidateModels))
	r.GET("/webhook/status", g.handleWorkerStatus)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// NewServer wraps the handler in a fasthttp server. WriteTimeout stays
// disabled: SSE responses are open-ended and guarded by the upstream idle
// timer instead.
func (g *Gateway) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:         g.Handler(),
		ReadTimeout:     60 * time.Second,
		IdleTimeout:     120 * time.Second,
		CloseOnShutdown: true,
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}

// handleReadiness probes the hard dependencies: the database always, Redis
// when configured.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	type readiness struct {
		Status string `json:"status"`
		DB     string `json:"db"`
		Redis  string `json:"redis,omitempty"`
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp := readiness{Status: "ok", DB: "ok"}
	if err := g.store.Ping(probeCtx); err != nil {
		resp.Status = "unavailable"
		resp.DB = err.Error()
	}
	if g.redisReady != nil {
		resp.Redis = "ok"
		if err := g.redisReady(probeCtx); err != nil {
			resp.Status = "unavailable"
			resp.Redis = err.Error()
		}
	}

	status := fasthttp.StatusOK
	if resp.Status != "ok" {
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, resp)
}
