package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

// streamTiming captures the stream-only measurements used for the metrics row.
type streamTiming struct {
	total        time.Duration
	firstChunk   time.Duration
	dtFirstLast  time.Duration
	haveFirst    bool
	outputTokens int
}

// persistSuccess writes the durable request record in the background: the
// requests row with status ready_to_compute, the raw payloads, and (for
// streams) the metrics row. The accounting worker picks the record up from
// there. Writes run on the gateway's base context so a disconnecting client
// cannot lose the billing record.
func (g *Gateway) persistSuccess(meta requestMeta, req *llm.ChatRequest, rawBody []byte, comp *llm.ChatCompletion, v *store.ModelVariant, timing *streamTiming) {
	rec := g.buildRequestRecord(meta, req, v, timing != nil)
	rec.Status = store.StatusReadyToCompute

	in, out, cached := usageTokens(comp.Usage)
	if comp.Usage != nil {
		rec.InputTokens = &in
		rec.OutputTokens = &out
	}
	rec.CachedTokens = cached

	respBody, err := json.Marshal(comp)
	if err != nil {
		respBody = []byte("{}")
	}

	go g.writeRecord(rec, string(rawBody), string(respBody), timing, meta.apiKeyName)
}

// persistFailure records a terminally failed request. Failed requests carry
// the error message and never reach the accounting worker.
func (g *Gateway) persistFailure(meta requestMeta, req *llm.ChatRequest, rawBody []byte, v *store.ModelVariant, errMsg string) {
	rec := g.buildRequestRecord(meta, req, v, false)
	rec.Status = store.StatusError
	rec.ErrorMessage = &errMsg

	go g.writeRecord(rec, string(rawBody), "", nil, meta.apiKeyName)
}

func (g *Gateway) buildRequestRecord(meta requestMeta, req *llm.ChatRequest, v *store.ModelVariant, streaming bool) *store.Request {
	rec := &store.Request{
		ID:             meta.requestID,
		UserID:         meta.userID,
		APIKeyName:     meta.apiKeyName,
		ModelID:        req.Model,
		CreatedAt:      time.Now().UTC(),
		Streaming:      streaming,
		EvaluationCost: meta.evalCost,
	}
	if v != nil {
		rec.Provider = v.Provider
		rec.ModelID = v.ModelID
	}
	return rec
}

// writeRecord performs the ordered background writes. Order matters: the
// requests row must exist before content and metrics reference it.
func (g *Gateway) writeRecord(rec *store.Request, reqBody, respBody string, timing *streamTiming, apiKeyName string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), 10*time.Second)
	defer cancel()

	if err := g.store.CreateRequest(ctx, rec); err != nil {
		g.log.ErrorContext(ctx, "persist_request_failed",
			slog.String("request_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := g.store.CreateRequestContent(ctx, &store.RequestContent{
		RequestID:    rec.ID,
		RequestBody:  reqBody,
		ResponseBody: respBody,
	}); err != nil {
		g.log.ErrorContext(ctx, "persist_content_failed",
			slog.String("request_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if timing != nil {
		if err := g.store.CreateMetrics(ctx, buildMetricsRow(rec.ID, timing)); err != nil {
			g.log.ErrorContext(ctx, "persist_metrics_failed",
				slog.String("request_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if apiKeyName != "" {
		g.store.TouchAPIKey(ctx, apiKeyName)
	}
}

// buildMetricsRow derives the per-request stream metrics. Throughput needs
// the first-chunk mark, a positive first-to-last window, and a token count;
// anything less leaves IsMetricsCalculated false.
func buildMetricsRow(requestID string, t *streamTiming) *store.Metrics {
	m := &store.Metrics{
		RequestID:       requestID,
		TotalDurationMs: t.total.Milliseconds(),
	}
	if !t.haveFirst {
		return m
	}

	ttfc := t.firstChunk.Milliseconds()
	dt := t.dtFirstLast.Milliseconds()
	m.TimeToFirstChunkMs = &ttfc
	m.DtFirstLastChunkMs = &dt

	if t.outputTokens > 0 && dt > 0 {
		tps := float64(t.outputTokens) / (float64(dt) / 1000.0)
		m.ThroughputTokensPerS = &tps
		m.IsMetricsCalculated = true
	}
	return m
}
