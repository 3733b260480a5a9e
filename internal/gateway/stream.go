package gateway

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/selector"
	"github.com/relayforge/llm-gateway/internal/store"
	"github.com/valyala/fasthttp"
)

// chunkRenderer turns one normalized chunk into the SSE data payload for the
// caller's wire format. Returning ok=false skips the frame.
type chunkRenderer func(c *llm.ChatCompletionChunk) (data []byte, ok bool)

func renderChatChunk(c *llm.ChatCompletionChunk) ([]byte, bool) {
	data, err := json.Marshal(c)
	return data, err == nil
}

func (g *Gateway) streamCompletion(ctx *fasthttp.RequestCtx, meta requestMeta, req *llm.ChatRequest, candidates []selector.Candidate, route string) {
	g.streamWith(ctx, meta, req, candidates, route, renderChatChunk)
}

// streamWith drives the streaming fallback loop. A candidate is only
// committed once its first chunk arrives; until then failures fall through to
// the next candidate exactly like the non-streaming path. After the first
// byte is written the response is committed and a mid-stream failure can only
// end the stream, not restart it elsewhere.
func (g *Gateway) streamWith(ctx *fasthttp.RequestCtx, meta requestMeta, req *llm.ChatRequest, candidates []selector.Candidate, route string, render chunkRenderer) {
	rawBody := append([]byte(nil), ctx.PostBody()...)

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
		// The pump outlives this handler; it must not hang off the
		// request context.
		s, err := g.exec.Stream(g.baseCtx, ad, req, v)
		if err != nil {
			ue := asUpstreamError(err, v.Provider)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(v.Provider, route, upstreamOutcome(ue), time.Since(attemptStart))
				g.metrics.RecordError(v.Provider, upstreamOutcome(ue))
			}
			if ue.Business() {
				g.persistFailure(meta, req, rawBody, v, ue.Message)
				g.writeUpstreamFailure(ctx, meta, ue)
				g.finishStreamMetrics(ctx, meta, route, rawBody)
				return
			}
			g.cb.RecordFailure(v.Provider)
			g.notifyFailure(meta.requestID, v, ue)
			g.log.WarnContext(ctx, "stream_open_failed",
				slog.String("request_id", meta.requestID),
				slog.String("provider", v.Provider),
				slog.String("error", ue.Message),
			)
			last, lastV = ue, v
			continue
		}

		first, ok := g.firstChunk(s)
		if !ok {
			ue := &adapters.UpstreamError{
				Provider: v.Provider,
				Kind:     adapters.KindTransient,
				Message:  "stream ended before first chunk",
			}
			s.Close()
			g.cb.RecordFailure(v.Provider)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(v.Provider, route, "transport", time.Since(attemptStart))
			}
			g.notifyFailure(meta.requestID, v, ue)
			last, lastV = ue, v
			continue
		}

		if last != nil && g.metrics != nil {
			g.metrics.RecordFailoverSuccess(primary, v.Provider)
		}
		g.recordAttemptSuccess(v, route, time.Since(attemptStart), meta)
		g.serveStream(ctx, meta, req, rawBody, v, s, first, route, render)
		return
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
	g.persistFailure(meta, req, rawBody, lastV, last.Message)
	g.writeUpstreamFailure(ctx, meta, last)
	g.finishStreamMetrics(ctx, meta, route, rawBody)
}

// firstChunk pulls the first real chunk off the stream. Errors or an
// immediately closed channel disqualify the candidate.
func (g *Gateway) firstChunk(s *adapters.Stream) (*llm.ChatCompletionChunk, bool) {
	for ev := range s.C {
		if ev.Err != nil {
			return nil, false
		}
		if ev.Chunk != nil {
			return ev.Chunk, true
		}
	}
	return nil, false
}

// serveStream commits the response to the chosen candidate: SSE headers, the
// body stream writer that relays chunks, and the post-stream bookkeeping.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, meta requestMeta, req *llm.ChatRequest, rawBody []byte, v *store.ModelVariant, s *adapters.Stream, first *llm.ChatCompletionChunk, route string, render chunkRenderer) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.Header.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.Response.Header.Set("X-Provider", v.Provider)

	firstAt := time.Now()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.Close()

		acc := newStreamAccumulator(meta.requestID, req.Model)
		lastAt := firstAt
		clientGone := false
		var streamErr string

		write := func(c *llm.ChatCompletionChunk) {
			acc.absorb(c)
			if clientGone {
				return
			}
			data, ok := render(c)
			if !ok {
				return
			}
			if _, err := w.WriteString("data: "); err != nil {
				clientGone = true
				return
			}
			w.Write(data)
			w.WriteString("\n\n")
			if err := w.Flush(); err != nil {
				clientGone = true
			}
		}

		write(first)
		// Keep draining after a client disconnect so the billing record
		// still carries the full usage.
		for ev := range s.C {
			if ev.Err != nil {
				streamErr = ev.Err.Error()
				break
			}
			if ev.Chunk == nil {
				continue
			}
			lastAt = time.Now()
			write(ev.Chunk)
		}

		if !clientGone {
			w.WriteString("data: [DONE]\n\n")
			w.Flush()
		}

		if streamErr != "" {
			g.log.WarnContext(g.baseCtx, "stream_interrupted",
				slog.String("request_id", meta.requestID),
				slog.String("provider", v.Provider),
				slog.String("error", streamErr),
			)
			g.notifyFailure(meta.requestID, v, &adapters.UpstreamError{
				Provider: v.Provider,
				Kind:     adapters.KindTransient,
				Message:  streamErr,
			})
		}

		comp := acc.completion(v.Provider)
		timing := &streamTiming{
			total:        time.Since(meta.start),
			firstChunk:   firstAt.Sub(meta.start),
			dtFirstLast:  lastAt.Sub(firstAt),
			haveFirst:    true,
			outputTokens: acc.completionTokens(),
		}
		// The partial stream still gets billed; what arrived was served.
		g.persistSuccess(meta, req, rawBody, comp, v, timing)

		in, out, _ := usageTokens(comp.Usage)
		g.logRequest(meta.requestID, meta.userID, v.Provider, v.ModelID,
			in, out, timing.total, fasthttp.StatusOK, true)
		if g.metrics != nil {
			g.metrics.AddTokens(v.Provider, route, in, out, false)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, timing.total, len(rawBody), 0)
		}
	})
}

// finishStreamMetrics finalizes the in-flight gauge and HTTP histogram for
// streaming requests that failed before the response committed. The serveChat
// defer skips these because the streaming flag is already set.
func (g *Gateway) finishStreamMetrics(ctx *fasthttp.RequestCtx, meta requestMeta, route string, rawBody []byte) {
	if g.metrics == nil {
		return
	}
	g.metrics.DecInFlight()
	g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(meta.start),
		len(rawBody), len(ctx.Response.Body()))
}

// ── Stream reconstruction ─────────────────────────────────────────────────────

type choiceAccum struct {
	role      string
	content   strings.Builder
	toolCalls map[int]*llm.ToolCall
	toolOrder []int
	finish    string
}

// streamAccumulator rebuilds a complete ChatCompletion from the chunk
// sequence so the durable record holds the same payload a non-streaming call
// would have produced.
type streamAccumulator struct {
	id      string
	model   string
	created int64
	choices map[int]*choiceAccum
	usage   *llm.Usage
}

func newStreamAccumulator(requestID, model string) *streamAccumulator {
	return &streamAccumulator{
		id:      "chatcmpl-" + requestID,
		model:   model,
		choices: make(map[int]*choiceAccum),
	}
}

func (a *streamAccumulator) absorb(c *llm.ChatCompletionChunk) {
	if c.ID != "" {
		a.id = c.ID
	}
	if c.Model != "" {
		a.model = c.Model
	}
	if c.Created != 0 {
		a.created = c.Created
	}
	if c.Usage != nil {
		a.usage = c.Usage
	}

	for _, ch := range c.Choices {
		ca := a.choices[ch.Index]
		if ca == nil {
			ca = &choiceAccum{toolCalls: make(map[int]*llm.ToolCall)}
			a.choices[ch.Index] = ca
		}
		if ch.Delta.Role != "" {
			ca.role = ch.Delta.Role
		}
		ca.content.WriteString(ch.Delta.Content)
		for _, tc := range ch.Delta.ToolCalls {
			ca.mergeToolCall(tc)
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			ca.finish = *ch.FinishReason
		}
	}
}

// mergeToolCall folds an incremental tool-call delta into the accumulated
// call at the same index. Arguments arrive as string fragments and are
// concatenated in order.
func (ca *choiceAccum) mergeToolCall(tc llm.ToolCall) {
	cur := ca.toolCalls[tc.Index]
	if cur == nil {
		clone := tc
		ca.toolCalls[tc.Index] = &clone
		ca.toolOrder = append(ca.toolOrder, tc.Index)
		return
	}
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Type != "" {
		cur.Type = tc.Type
	}
	if tc.Function.Name != "" {
		cur.Function.Name = tc.Function.Name
	}
	cur.Function.Arguments += tc.Function.Arguments
}

func (a *streamAccumulator) completionTokens() int {
	if a.usage == nil {
		return 0
	}
	return a.usage.CompletionTokens
}

func (a *streamAccumulator) completion(provider string) *llm.ChatCompletion {
	created := a.created
	if created == 0 {
		created = time.Now().Unix()
	}

	indexes := make([]int, 0, len(a.choices))
	for i := range a.choices {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	choices := make([]llm.Choice, 0, len(indexes))
	for _, i := range indexes {
		ca := a.choices[i]
		role := ca.role
		if role == "" {
			role = "assistant"
		}
		msg := llm.ChoiceMessage{
			Role:    role,
			Content: ca.content.String(),
		}
		for _, ti := range ca.toolOrder {
			msg.ToolCalls = append(msg.ToolCalls, *ca.toolCalls[ti])
		}
		choices = append(choices, llm.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: ca.finish,
		})
	}

	return &llm.ChatCompletion{
		ID:       a.id,
		Object:   "chat.completion",
		Created:  created,
		Model:    a.model,
		Provider: provider,
		Choices:  choices,
		Usage:    a.usage,
	}
}
