package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// requestMeta carries per-request identity and selection knobs resolved from
// middleware and headers.
type requestMeta struct {
	requestID  string
	userID     string
	apiKeyName string
	ratioSP    int
	evalCost   float64
	start      time.Time
}

func (g *Gateway) metaFrom(ctx *fasthttp.RequestCtx) requestMeta {
	meta := requestMeta{
		ratioSP: g.defaultRatioSP,
		start:   time.Now(),
	}
	meta.requestID, _ = ctx.UserValue(ctxRequestID).(string)
	meta.userID, _ = ctx.UserValue(ctxUserID).(string)
	meta.apiKeyName, _ = ctx.UserValue(ctxAPIKeyName).(string)

	if raw := string(ctx.Request.Header.Peek("X-Price-Performance-Ratio")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n <= 100 {
			meta.ratioSP = n
		}
	}
	return meta
}

// providerOverride reads the X-Provider header: a bare provider name or a
// JSON array of names. The header wins over the request body's "provider".
func providerOverride(ctx *fasthttp.RequestCtx) []string {
	raw := string(ctx.Request.Header.Peek("X-Provider"))
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err == nil {
		return arr
	}
	return []string{raw}
}

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.serveChat(ctx, "chat_completions")
}

func (g *Gateway) serveChat(ctx *fasthttp.RequestCtx, route string) {
	meta := g.metaFrom(ctx)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streaming := false
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests are finalized by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(meta.start),
			len(ctx.PostBody()), len(ctx.Response.Body()))
	}()

	var req llm.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(ctx, err)
		return
	}
	if override := providerOverride(ctx); len(override) > 0 {
		req.Provider = override
	}

	if !g.allowRate(ctx, meta) {
		return
	}

	candidates, ok := g.resolveCandidates(ctx, &meta, &req)
	if !ok {
		return
	}

	if req.Stream {
		streaming = true
		g.streamCompletion(ctx, meta, &req, candidates, route)
		return
	}
	g.completeRequest(ctx, meta, &req, candidates, route)
}

// allowRate applies the per-key RPM limit. Returns false when the response
// has been written.
func (g *Gateway) allowRate(ctx *fasthttp.RequestCtx, meta requestMeta) bool {
	if g.rpmLimiter == nil {
		return true
	}
	allowed, err := g.rpmLimiter.Allow(ctx, meta.apiKeyName)
	if err == nil && !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", meta.requestID),
			slog.String("user_id", meta.userID),
		)
		apierr.WriteRateLimit(ctx)
		return false
	}
	if g.metrics != nil {
		if err != nil {
			g.metrics.RecordRateLimit("error")
		} else {
			g.metrics.RecordRateLimit("allowed")
		}
	}
	return true
}

// resolveCandidates runs family resolution and provider selection. On error
// the HTTP response is written and ok is false.
func (g *Gateway) resolveCandidates(ctx *fasthttp.RequestCtx, meta *requestMeta, req *llm.ChatRequest) ([]selector.Candidate, bool) {
	fam, isFamily, err := g.catalog.FamilyFor(ctx, req.Model)
	if err != nil {
		g.log.ErrorContext(ctx, "catalog_unavailable",
			slog.String("request_id", meta.requestID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"model catalog unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return nil, false
	}

	if isFamily {
		routing, err := g.families.EvaluateAndRoute(ctx, fam, req)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil, false
		}

		g.log.InfoContext(ctx, "family_routed",
			slog.String("request_id", meta.requestID),
			slog.String("family", fam.FamilyID),
			slog.String("selected_model", routing.SelectedModel),
			slog.Int("complexity_score", routing.ComplexityScore),
			slog.Bool("from_cache", routing.FromCache),
		)
		if g.metrics != nil {
			outcome := "evaluated"
			if routing.FromCache {
				outcome = "cache_hit"
			} else if routing.SelectedModel == fam.FallbackModel {
				outcome = "fallback"
			}
			g.metrics.RecordFamilyRouting(fam.FamilyID, outcome)
		}

		req.Model = routing.SelectedModel
		if routing.SelectedProvider != "" && len(req.Provider) == 0 {
			req.Provider = []string{routing.SelectedProvider}
		}
		meta.evalCost = routing.EvaluationCost
	}

	candidates, err := g.selector.Select(ctx, req, meta.userID, selector.Options{
		RatioSP:       meta.ratioSP,
		MetricsWindow: g.metricsWindow,
		Providers:     req.Provider,
	})
	if err != nil {
		if nce, ok := err.(*selector.NoCandidatesError); ok {
			if g.metrics != nil {
				g.metrics.RecordSelection("no_candidates", 0)
			}
			apierr.WriteError(ctx, fasthttp.StatusBadRequest, apierr.APIError{
				Message: nce.Error(),
				Type:    apierr.TypeInvalidRequest,
				Code:    apierr.CodeNoCandidates,
				Details: nce.Exclusions,
			})
			return nil, false
		}
		if g.metrics != nil {
			g.metrics.RecordSelection("error", 0)
		}
		g.log.ErrorContext(ctx, "selection_failed",
			slog.String("request_id", meta.requestID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"provider selection failed", apierr.TypeServerError, apierr.CodeInternalError)
		return nil, false
	}
	if g.metrics != nil {
		g.metrics.RecordSelection("ok", len(candidates))
	}

	return candidates, true
}

// writeValidationError renders a llm.ValidationError (or any error) as a 400.
func writeValidationError(ctx *fasthttp.RequestCtx, err error) {
	if ve, ok := err.(*llm.ValidationError); ok {
		apierr.WriteError(ctx, fasthttp.StatusBadRequest, apierr.APIError{
			Message: ve.Error(),
			Type:    apierr.TypeInvalidRequest,
			Code:    apierr.CodeInvalidRequest,
			Details: ve,
		})
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadRequest,
		err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}
