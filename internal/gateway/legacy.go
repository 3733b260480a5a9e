package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// legacyRequest is the body of the pre-chat completion endpoint. Prompt
// accepts a bare string or an array of strings.
type legacyRequest struct {
	Model            string       `json:"model"`
	Prompt           legacyPrompt `json:"prompt"`
	Stream           bool         `json:"stream,omitempty"`
	MaxTokens        *int         `json:"max_tokens,omitempty"`
	Temperature      *float64     `json:"temperature,omitempty"`
	TopP             *float64     `json:"top_p,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
	Provider         []string     `json:"provider,omitempty"`
	User             string       `json:"user,omitempty"`
}

type legacyPrompt []string

func (p *legacyPrompt) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*p = legacyPrompt{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("prompt must be a string or an array of strings")
	}
	*p = many
	return nil
}

type legacyChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type legacyResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []legacyChoice `json:"choices"`
	Usage   *llm.Usage     `json:"usage,omitempty"`
}

// handleCompletion serves POST /v1/completion. Each prompt becomes one chat
// call internally; the responses fold back into the text_completion envelope.
func (g *Gateway) handleCompletion(ctx *fasthttp.RequestCtx) {
	const route = "completion"
	meta := g.metaFrom(ctx)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streaming := false
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(meta.start),
			len(ctx.PostBody()), len(ctx.Response.Body()))
	}()

	var legacy legacyRequest
	if err := json.Unmarshal(ctx.PostBody(), &legacy); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(legacy.Prompt) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"prompt: required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if legacy.Stream && len(legacy.Prompt) > 1 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"prompt: streaming supports a single prompt only",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if override := providerOverride(ctx); len(override) > 0 {
		legacy.Provider = override
	}

	if !g.allowRate(ctx, meta) {
		return
	}

	if legacy.Stream {
		streaming = true
		g.streamLegacy(ctx, meta, &legacy, route)
		return
	}
	g.completeLegacy(ctx, meta, &legacy, route)
}

func (g *Gateway) streamLegacy(ctx *fasthttp.RequestCtx, meta requestMeta, legacy *legacyRequest, route string) {
	req := legacy.toChatRequest(legacy.Prompt[0], true)
	if err := req.Validate(); err != nil {
		writeValidationError(ctx, err)
		return
	}

	candidates, ok := g.resolveCandidates(ctx, &meta, req)
	if !ok {
		return
	}
	g.streamWith(ctx, meta, req, candidates, route, renderLegacyChunk)
}

// renderLegacyChunk rewraps a chat chunk as a text_completion SSE frame.
func renderLegacyChunk(c *llm.ChatCompletionChunk) ([]byte, bool) {
	out := struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []legacyChoice `json:"choices"`
		Usage   *llm.Usage     `json:"usage,omitempty"`
	}{
		ID:      c.ID,
		Object:  "text_completion",
		Created: c.Created,
		Model:   c.Model,
		Usage:   c.Usage,
	}
	for _, ch := range c.Choices {
		lc := legacyChoice{Text: ch.Delta.Content, Index: ch.Index}
		if ch.FinishReason != nil {
			lc.FinishReason = *ch.FinishReason
		}
		out.Choices = append(out.Choices, lc)
	}
	data, err := json.Marshal(out)
	return data, err == nil
}

// completeLegacy runs one chat call per prompt sequentially and folds the
// results. Each prompt gets its own request record; the first terminal
// failure aborts the batch.
func (g *Gateway) completeLegacy(ctx *fasthttp.RequestCtx, meta requestMeta, legacy *legacyRequest, route string) {
	resp := legacyResponse{
		ID:      "cmpl-" + meta.requestID,
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   legacy.Model,
	}
	var usage llm.Usage
	haveUsage := false
	rawBody := append([]byte(nil), ctx.PostBody()...)

	for i, prompt := range legacy.Prompt {
		req := legacy.toChatRequest(prompt, false)
		if err := req.Validate(); err != nil {
			writeValidationError(ctx, err)
			return
		}

		promptMeta := meta
		if i > 0 {
			// One durable record per internal call. The ID must stay a
			// UUID: requests.id is a 36-char primary key.
			promptMeta.requestID = uuid.New().String()
		}

		candidates, ok := g.resolveCandidates(ctx, &promptMeta, req)
		if !ok {
			return
		}

		comp, served, ue := g.executeFallback(ctx, promptMeta, req, candidates, route)
		if ue != nil {
			g.persistFailure(promptMeta, req, rawBody, served, ue.Message)
			g.writeUpstreamFailure(ctx, promptMeta, ue)
			return
		}
		g.persistSuccess(promptMeta, req, rawBody, comp, served, nil)

		resp.Model = served.ModelID
		ctx.Response.Header.Set("X-Provider", served.Provider)

		for _, c := range comp.Choices {
			resp.Choices = append(resp.Choices, legacyChoice{
				Text:         c.Message.Content,
				Index:        len(resp.Choices),
				FinishReason: c.FinishReason,
			})
		}
		if comp.Usage != nil {
			haveUsage = true
			usage.PromptTokens += comp.Usage.PromptTokens
			usage.CompletionTokens += comp.Usage.CompletionTokens
			usage.TotalTokens += comp.Usage.TotalTokens
		}

		in, out, _ := usageTokens(comp.Usage)
		g.logRequest(promptMeta.requestID, promptMeta.userID, served.Provider, served.ModelID,
			in, out, time.Since(promptMeta.start), fasthttp.StatusOK, false)
	}

	if haveUsage {
		resp.Usage = &usage
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

func (l *legacyRequest) toChatRequest(prompt string, stream bool) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: l.Model,
		Messages: []llm.Message{{
			Role:    "user",
			Content: []llm.ContentPart{{Type: "text", Text: prompt}},
		}},
		Stream:           stream,
		MaxTokens:        l.MaxTokens,
		Temperature:      l.Temperature,
		TopP:             l.TopP,
		FrequencyPenalty: l.FrequencyPenalty,
		PresencePenalty:  l.PresencePenalty,
		Stop:             l.Stop,
		Provider:         l.Provider,
		User:             l.User,
	}
}
