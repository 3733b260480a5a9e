package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/relayforge/llm-gateway/internal/accounting"
	"github.com/relayforge/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleCalculateTokens serves POST /webhook/calculate-tokens: a manual
// trigger of the accounting worker, on top of its periodic schedule.
func (g *Gateway) handleCalculateTokens(ctx *fasthttp.RequestCtx) {
	batchSize := queryInt(ctx, "batch_size", 0)
	timeLimit := time.Duration(queryInt(ctx, "time_limit", 0)) * time.Second

	stats, err := g.worker.ProcessReady(ctx, batchSize, timeLimit)
	if err != nil {
		if errors.Is(err, accounting.ErrBusy) {
			apierr.Write(ctx, fasthttp.StatusConflict,
				"accounting run already in progress", apierr.TypeServerError, apierr.CodeConflict)
			return
		}
		g.log.ErrorContext(ctx, "accounting_run_failed", slog.String("error", err.Error()))
		if g.metrics != nil {
			g.metrics.RecordAccountingRun("error", stats.Processed, stats.Errors)
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"accounting run failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if g.metrics != nil {
		g.metrics.RecordAccountingRun("ok", stats.Processed, stats.Errors)
	}
	g.log.InfoContext(ctx, "accounting_run",
		slog.Int("processed", stats.Processed),
		slog.Int("errors", stats.Errors),
		slog.Int64("duration_ms", stats.Duration.Milliseconds()),
	)

	writeJSON(ctx, fasthttp.StatusOK, struct {
		Processed  int   `json:"processed"`
		Errors     int   `json:"errors"`
		DurationMs int64 `json:"duration_ms"`
	}{stats.Processed, stats.Errors, stats.Duration.Milliseconds()})
}

// handleWorkerStatus serves GET /webhook/status. Unauthenticated: exposes
// counters only.
func (g *Gateway) handleWorkerStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, g.worker.Status())
}

// handleInvalidateModels serves POST /webhook/invalidate-models: drops the
// catalog snapshot so the next request reloads models and families.
func (g *Gateway) handleInvalidateModels(ctx *fasthttp.RequestCtx) {
	g.catalog.Invalidate()
	g.log.InfoContext(ctx, "catalog_invalidated")
	writeJSON(ctx, fasthttp.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}

func queryInt(ctx *fasthttp.RequestCtx, key string, def int) int {
	raw := string(ctx.QueryArgs().Peek(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
