// Package openai implements the OpenAI chat-completions wire dialect.
//
// This is the lingua franca dialect: besides OpenAI itself it serves every
// OpenAI-compatible vendor (DeepSeek, Groq, Together, DeepInfra, xAI, …) —
// the variant's base URL and credential reference select the actual
// upstream. Register the dialect by importing this package.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

func init() {
	adapters.Register(Adapter{})
}

// Adapter is the OpenAI dialect. Stateless; safe for concurrent use.
type Adapter struct{}

// Name implements adapters.Adapter.
func (Adapter) Name() string { return "openai" }

// IsConfigured implements adapters.Adapter.
func (Adapter) IsConfigured(v *store.ModelVariant) bool {
	_, ok := adapters.ResolveSecret(v.APIKeyRef)
	return ok
}

// ValidateRequest implements adapters.Adapter. The OpenAI dialect is the
// most expressive one; anything the gateway normalizes can be sent.
func (Adapter) ValidateRequest(_ *llm.ChatRequest, _ *store.ModelVariant) bool { return true }

type (
	streamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	wireRequest struct {
		Model            string          `json:"model"`
		Messages         []llm.Message   `json:"messages"`
		Stream           bool            `json:"stream,omitempty"`
		StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
		MaxTokens        int             `json:"max_tokens,omitempty"`
		Temperature      *float64        `json:"temperature,omitempty"`
		TopP             *float64        `json:"top_p,omitempty"`
		FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
		Stop             []string        `json:"stop,omitempty"`
		Tools            []llm.Tool      `json:"tools,omitempty"`
		ToolChoice       *llm.ToolChoice `json:"tool_choice,omitempty"`
		User             string          `json:"user,omitempty"`
	}
)

// TransformRequest implements adapters.Adapter.
func (Adapter) TransformRequest(req *llm.ChatRequest, v *store.ModelVariant, streaming bool) ([]byte, error) {
	wire := wireRequest{
		Model:            v.ProviderModelID,
		Messages:         req.Messages,
		Stream:           streaming,
		MaxTokens:        req.MaxTokensValue(),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		User:             req.User,
	}
	if streaming {
		// Ask for usage on the final chunk so accounting sees real counts.
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	return marshalWithExtras(wire, v.ExtraParams)
}

// TransformResponse implements adapters.Adapter. The normalized response
// envelope is wire-identical to OpenAI's, so this is a direct parse.
func (Adapter) TransformResponse(body []byte, _ *store.ModelVariant) (*llm.ChatCompletion, error) {
	var out llm.ChatCompletion
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("openai: parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	return &out, nil
}

// TransformStreamChunk implements adapters.Adapter.
func (Adapter) TransformStreamChunk(data []byte) (*llm.ChatCompletionChunk, error) {
	var chunk llm.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("openai: parse chunk: %w", err)
	}
	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil, nil // keep-alive frame
	}
	return &chunk, nil
}

// BuildHeaders implements adapters.Adapter.
func (Adapter) BuildHeaders(v *store.ModelVariant) (map[string]string, error) {
	key, ok := adapters.ResolveSecret(v.APIKeyRef)
	if !ok {
		return nil, fmt.Errorf("openai: credential %s is not set", v.APIKeyRef)
	}
	headers := map[string]string{}
	if key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	return headers, nil
}

// Endpoint implements adapters.Adapter.
func (Adapter) Endpoint(v *store.ModelVariant, _ bool) (string, error) {
	if v.BaseURL == "" {
		return "", fmt.Errorf("openai: variant %s/%s has no base URL", v.Provider, v.ModelID)
	}
	return strings.TrimRight(v.BaseURL, "/") + "/chat/completions", nil
}

// ClassifyError implements adapters.Adapter.
func (Adapter) ClassifyError(statusCode int, _ []byte) adapters.ErrorKind {
	return adapters.ClassifyStatus(statusCode)
}

// marshalWithExtras renders wire to JSON, overlaying the variant's opaque
// extra parameters at the top level. Extras win on key collision — they are
// the operator's escape hatch.
func marshalWithExtras(wire wireRequest, extras store.JSONMap) ([]byte, error) {
	base, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	if len(extras) == 0 {
		return base, nil
	}

	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, fmt.Errorf("openai: merge extras: %w", err)
	}
	for k, val := range extras {
		m[k] = val
	}
	return json.Marshal(m)
}
