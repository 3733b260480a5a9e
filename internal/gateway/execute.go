package gateway

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/internal/store"
	"github.com/relayforge/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// completeRequest drives the non-streaming fallback loop and writes the
// JSON response.
func (g *Gateway) completeRequest(ctx *fasthttp.RequestCtx, meta requestMeta, req *llm.ChatRequest, candidates []selector.Candidate, route string) {
	rawBody := append([]byte(nil), ctx.PostBody()...)

	comp, served, ue := g.executeFallback(ctx, meta, req, candidates, route)
	if ue != nil {
		g.persistFailure(meta, req, rawBody, served, ue.Message)
		g.writeUpstreamFailure(ctx, meta, ue)
		g.logRequest(meta.requestID, meta.userID, providerName(served), req.Model,
			0, 0, time.Since(meta.start), ctx.Response.StatusCode(), false)
		return
	}

	body, err := json.Marshal(comp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.persistSuccess(meta, req, rawBody, comp, served, nil)

	in, out, _ := usageTokens(comp.Usage)
	g.logRequest(meta.requestID, meta.userID, served.Provider, served.ModelID,
		in, out, time.Since(meta.start), fasthttp.StatusOK, false)
	if g.metrics != nil {
		g.metrics.AddTokens(served.Provider, route, in, out, false)
		g.metrics.RecordRequest(served.Provider, fasthttp.StatusOK, time.Since(meta.start).Milliseconds())
	}

	ctx.Response.Header.Set("X-Provider", served.Provider)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// executeFallback walks the candidate order until one succeeds. Business
// errors abort the walk; transient errors move to the next candidate and
// fire a notification.
func (g *Gateway) executeFallback(ctx *fasthttp.RequestCtx, meta requestMeta, req *llm.ChatRequest, candidates []selector.Candidate, route string) (*llm.ChatCompletion, *store.ModelVariant, *adapters.UpstreamError) {
	var (
		last  *adapters.UpstreamError
		lastV *store.ModelVariant
	)
	primary := candidates[0].Variant.Provider

	for _, cand := range candidates {
		v := cand.Variant

		ad, ok := g.prepareAttempt(ctx, meta, req, v, route)
		if !ok {
			continue
		}

		if last != nil && g.metrics != nil {
			g.metrics.RecordFailover(primary, lastV.Provider, v.Provider, upstreamOutcome(last))
		}

		attemptStart := time.Now()
		comp, err := g.exec.Do(ctx, ad, req, v)
		dur := time.Since(attemptStart)

		if err == nil {
			if last != nil && g.metrics != nil {
				g.metrics.RecordFailoverSuccess(primary, v.Provider)
			}
			g.recordAttemptSuccess(v, route, dur, meta)
			comp.ID = ensureCompletionID(comp.ID, meta.requestID)
			return comp, v, nil
		}

		ue := asUpstreamError(err, v.Provider)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(v.Provider, route, upstreamOutcome(ue), dur)
			g.metrics.RecordError(v.Provider, upstreamOutcome(ue))
		}

		if ue.Business() {
			// The caller's fault; no other provider will answer differently.
			return nil, v, ue
		}

		g.cb.RecordFailure(v.Provider)
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(v.Provider, int64(g.cb.State(v.Provider)))
		}
		g.notifyFailure(meta.requestID, v, ue)
		g.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", meta.requestID),
			slog.String("provider", v.Provider),
			slog.String("model", v.ModelID),
			slog.String("error", ue.Message),
			slog.Int64("latency_ms", dur.Milliseconds()),
		)

		last, lastV = ue, v
	}

	if last == nil {
		last = &adapters.UpstreamError{
			Kind:    adapters.KindTransient,
			Message: "no usable provider for this request",
		}
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(req.Model)
	}
	return nil, lastV, last
}

// prepareAttempt runs the per-candidate gates shared by the streaming and
// non-streaming loops: adapter lookup, configuration, dialect validation,
// circuit breaker.
func (g *Gateway) prepareAttempt(ctx *fasthttp.RequestCtx, meta requestMeta, req *llm.ChatRequest, v *store.ModelVariant, route string) (adapters.Adapter, bool) {
	ad, err := adapters.Lookup(v.Adapter)
	if err != nil {
		g.log.ErrorContext(ctx, "unknown_adapter",
			slog.String("provider", v.Provider),
			slog.String("adapter", v.Adapter),
		)
		return nil, false
	}
	if !ad.IsConfigured(v) {
		g.log.WarnContext(ctx, "variant_not_configured",
			slog.String("provider", v.Provider),
			slog.String("model", v.ModelID),
			slog.String("api_key_ref", v.APIKeyRef),
		)
		return nil, false
	}
	if !ad.ValidateRequest(req, v) {
		return nil, false
	}
	if !g.cb.Allow(v.Provider) {
		g.log.WarnContext(ctx, "circuit_breaker_open",
			slog.String("request_id", meta.requestID),
			slog.String("provider", v.Provider),
		)
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(v.Provider, g.cb.StateLabel(v.Provider))
			g.metrics.ObserveUpstreamAttempt(v.Provider, route, "circuit_reject", 0)
		}
		return nil, false
	}
	return ad, true
}

func (g *Gateway) recordAttemptSuccess(v *store.ModelVariant, route string, dur time.Duration, meta requestMeta) {
	g.cb.RecordSuccess(v.Provider)
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(v.Provider, int64(g.cb.State(v.Provider)))
		g.metrics.ObserveUpstreamAttempt(v.Provider, route, "success", dur)
	}
}

// writeUpstreamFailure maps the terminal fallback error onto the HTTP caller.
// Business errors carry the upstream status; exhausted transient fallback is
// the gateway's own failure.
func (g *Gateway) writeUpstreamFailure(ctx *fasthttp.RequestCtx, meta requestMeta, ue *adapters.UpstreamError) {
	g.log.ErrorContext(ctx, "request_failed",
		slog.String("request_id", meta.requestID),
		slog.String("provider", ue.Provider),
		slog.String("kind", kindLabel(ue.Kind)),
		slog.String("error", ue.Message),
	)
	if ue.Business() {
		apierr.WriteUpstreamError(ctx, ue.HTTPStatus(), ue.Provider, ue.Message)
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"all providers failed: "+ue.Message,
		apierr.TypeServerError, apierr.CodeProviderError)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func asUpstreamError(err error, provider string) *adapters.UpstreamError {
	if ue, ok := err.(*adapters.UpstreamError); ok {
		return ue
	}
	return &adapters.UpstreamError{
		Provider: provider,
		Kind:     adapters.KindTransient,
		Message:  err.Error(),
	}
}

func upstreamOutcome(ue *adapters.UpstreamError) string {
	if ue.StatusCode > 0 {
		return "http_" + strconv.Itoa(ue.StatusCode)
	}
	return "transport"
}

func kindLabel(k adapters.ErrorKind) string {
	if k == adapters.KindBusiness {
		return "business"
	}
	return "transient"
}

func providerName(v *store.ModelVariant) string {
	if v == nil {
		return "unknown"
	}
	return v.Provider
}

// ensureCompletionID keeps upstream IDs when present and falls back to the
// gateway's request ID.
func ensureCompletionID(id, requestID string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + requestID
}

func usageTokens(u *llm.Usage) (input, output int, cached *int) {
	if u == nil {
		return 0, 0, nil
	}
	if u.PromptTokensDetails != nil {
		c := u.PromptTokensDetails.CachedTokens
		cached = &c
	}
	return u.PromptTokens, u.CompletionTokens, cached
}
