package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/internal/store"
	"github.com/relayforge/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const maxEstimateAlternatives = 3

type estimateEntry struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	EstimatedCost float64 `json:"estimated_cost"`
}

type estimateResponse struct {
	EstimatedCost float64         `json:"estimated_cost"`
	Currency      string          `json:"currency"`
	Provider      string          `json:"provider"`
	Model         string          `json:"model"`
	Alternatives  []estimateEntry `json:"alternatives"`
}

// handleEstimate serves POST /v1/chat/estimate: the selection pipeline without
// execution. Family model IDs resolve to the family's fallback model so the
// estimate itself never spends evaluator tokens.
func (g *Gateway) handleEstimate(ctx *fasthttp.RequestCtx) {
	const route = "chat_estimate"
	meta := g.metaFrom(ctx)

	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(meta.start),
				len(ctx.PostBody()), len(ctx.Response.Body()))
		}
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

	fam, isFamily, err := g.catalog.FamilyFor(ctx, req.Model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"model catalog unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if isFamily {
		req.Model = fam.FallbackModel
	}

	candidates, err := g.selector.Select(ctx, &req, meta.userID, selector.Options{
		RatioSP:       meta.ratioSP,
		MetricsWindow: g.metricsWindow,
		Providers:     req.Provider,
	})
	if err != nil {
		if nce, ok := err.(*selector.NoCandidatesError); ok {
			apierr.WriteError(ctx, fasthttp.StatusBadRequest, apierr.APIError{
				Message: nce.Error(),
				Type:    apierr.TypeInvalidRequest,
				Code:    apierr.CodeNoCandidates,
				Details: nce.Exclusions,
			})
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"provider selection failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	estTokens := req.EstimateTokens()
	head := candidates[0].Variant
	resp := estimateResponse{
		EstimatedCost: estimateCost(head, estTokens, req.MaxTokensValue()),
		Currency:      "USD",
		Provider:      head.Provider,
		Model:         head.ModelID,
		Alternatives:  []estimateEntry{},
	}
	for _, cand := range candidates[1:] {
		if len(resp.Alternatives) >= maxEstimateAlternatives {
			break
		}
		resp.Alternatives = append(resp.Alternatives, estimateEntry{
			Provider:      cand.Variant.Provider,
			Model:         cand.Variant.ModelID,
			EstimatedCost: estimateCost(cand.Variant, estTokens, req.MaxTokensValue()),
		})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// estimateCost prices the token estimate against one variant. The estimate
// already includes max_tokens, so the output budget is split back out.
func estimateCost(v *store.ModelVariant, estTokens, maxTokens int) float64 {
	inputTokens := estTokens - maxTokens
	if inputTokens < 0 {
		inputTokens = 0
	}
	return (float64(inputTokens)*v.PricePerInputToken +
		float64(maxTokens)*v.PricePerOutputToken) / 1000.0
}
