// Package anthropic implements the Anthropic messages wire dialect.
// Register the dialect by importing this package.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

const (
	apiVersion = "2023-06-01"

	// defaultMaxTokens is used when the caller omits max_tokens; the
	// messages API requires it.
	defaultMaxTokens = 4096
)

func init() {
	adapters.Register(Adapter{})
}

// Adapter is the Anthropic dialect. Stateless; safe for concurrent use.
type Adapter struct{}

// Name implements adapters.Adapter.
func (Adapter) Name() string { return "anthropic" }

// IsConfigured implements adapters.Adapter.
func (Adapter) IsConfigured(v *store.ModelVariant) bool {
	_, ok := adapters.ResolveSecret(v.APIKeyRef)
	return ok
}

// ValidateRequest implements adapters.Adapter. The messages API rejects
// conversations without at least one user or assistant turn.
func (Adapter) ValidateRequest(req *llm.ChatRequest, _ *store.ModelVariant) bool {
	for _, m := range req.Messages {
		if m.Role != llm.RoleSystem {
			return true
		}
	}
	return false
}

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	urlSource struct {
		Type string `json:"type"` // "url"
		URL  string `json:"url"`
	}

	contentBlock struct {
		Type string `json:"type"`

		// text
		Text string `json:"text,omitempty"`

		// image
		Source *urlSource `json:"source,omitempty"`

		// tool_use
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// tool_result
		ToolUseID string `json:"tool_use_id,omitempty"`
		Content   string `json:"content,omitempty"`
	}

	wireMessage struct {
		Role    string         `json:"role"` // user | assistant
		Content []contentBlock `json:"content"`
	}

	wireTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema"`
	}

	wireToolChoice struct {
		Type string `json:"type"` // auto | any | tool
		Name string `json:"name,omitempty"`
	}

	wireRequest struct {
		Model         string          `json:"model"`
		MaxTokens     int             `json:"max_tokens"`
		System        string          `json:"system,omitempty"`
		Messages      []wireMessage   `json:"messages"`
		Temperature   *float64        `json:"temperature,omitempty"`
		TopP          *float64        `json:"top_p,omitempty"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
		Tools         []wireTool      `json:"tools,omitempty"`
		ToolChoice    *wireToolChoice `json:"tool_choice,omitempty"`
		Stream        bool            `json:"stream,omitempty"`
	}

	wireUsage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	}

	wireResponse struct {
		ID         string         `json:"id"`
		Model      string         `json:"model"`
		Content    []contentBlock `json:"content"`
		StopReason string         `json:"stop_reason"`
		Usage      wireUsage      `json:"usage"`
	}
)

// TransformRequest implements adapters.Adapter.
func (Adapter) TransformRequest(req *llm.ChatRequest, v *store.ModelVariant, streaming bool) ([]byte, error) {
	wire := wireRequest{
		Model:         v.ProviderModelID,
		MaxTokens:     req.MaxTokensValue(),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        streaming,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = defaultMaxTokens
	}

	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Text())

		case llm.RoleTool:
			wire.Messages = append(wire.Messages, wireMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text(),
				}},
			})

		case llm.RoleAssistant:
			msg := wireMessage{Role: "assistant"}
			if text := m.Text(); text != "" {
				msg.Content = append(msg.Content, contentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				msg.Content = append(msg.Content, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			wire.Messages = append(wire.Messages, msg)

		default: // user
			msg := wireMessage{Role: "user"}
			for _, p := range m.Content {
				switch p.Type {
				case llm.PartImageURL:
					if p.ImageURL == nil {
						continue
					}
					msg.Content = append(msg.Content, contentBlock{
						Type:   "image",
						Source: &urlSource{Type: "url", URL: p.ImageURL.URL},
					})
				default:
					msg.Content = append(msg.Content, contentBlock{Type: "text", Text: p.Text})
				}
			}
			wire.Messages = append(wire.Messages, msg)
		}
	}
	wire.System = system.String()

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wire.Tools = append(wire.Tools, wireTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case "none":
			wire.Tools = nil
		case "required":
			wire.ToolChoice = &wireToolChoice{Type: "any"}
		case "named":
			wire.ToolChoice = &wireToolChoice{Type: "tool", Name: req.ToolChoice.Name}
		default:
			wire.ToolChoice = &wireToolChoice{Type: "auto"}
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	return mergeExtras(body, v.ExtraParams)
}

// TransformResponse implements adapters.Adapter.
func (Adapter) TransformResponse(body []byte, _ *store.ModelVariant) (*llm.ChatCompletion, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("anthropic: parse response: %w", err)
	}
	if wire.ID == "" {
		return nil, fmt.Errorf("anthropic: response has no id")
	}

	msg := llm.ChoiceMessage{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				Index: len(msg.ToolCalls),
				ID:    block.ID,
				Type:  "function",
				Function: llm.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	msg.Content = text.String()

	return &llm.ChatCompletion{
		ID:     wire.ID,
		Object: "chat.completion",
		Model:  wire.Model,
		Choices: []llm.Choice{{
			Message:      msg,
			FinishReason: mapStopReason(wire.StopReason),
		}},
		Usage: toUsage(wire.Usage),
	}, nil
}

// ── Streaming ─────────────────────────────────────────────────────────────────

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`

	ContentBlock *contentBlock `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *wireUsage `json:"usage"`
}

// TransformStreamChunk implements adapters.Adapter. Anthropic frames carry a
// type discriminator; frames with nothing to forward map to (nil, nil).
func (Adapter) TransformStreamChunk(data []byte) (*llm.ChatCompletionChunk, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("anthropic: parse event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return nil, nil
		}
		return &llm.ChatCompletionChunk{
			ID:      ev.Message.ID,
			Object:  "chat.completion.chunk",
			Model:   ev.Message.Model,
			Choices: []llm.ChunkChoice{{Delta: llm.Delta{Role: llm.RoleAssistant}}},
			Usage:   toUsage(ev.Message.Usage),
		}, nil

	case "content_block_start":
		if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		return chunkWithDelta(llm.Delta{
			ToolCalls: []llm.ToolCall{{
				Index: ev.Index,
				ID:    ev.ContentBlock.ID,
				Type:  "function",
				Function: llm.FunctionCall{Name: ev.ContentBlock.Name},
			}},
		}), nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return chunkWithDelta(llm.Delta{Content: ev.Delta.Text}), nil
		case "input_json_delta":
			return chunkWithDelta(llm.Delta{
				ToolCalls: []llm.ToolCall{{
					Index:    ev.Index,
					Function: llm.FunctionCall{Arguments: ev.Delta.PartialJSON},
				}},
			}), nil
		}
		return nil, nil

	case "message_delta":
		chunk := &llm.ChatCompletionChunk{
			Object:  "chat.completion.chunk",
			Choices: []llm.ChunkChoice{{}},
		}
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			reason := mapStopReason(ev.Delta.StopReason)
			chunk.Choices[0].FinishReason = &reason
		}
		if ev.Usage != nil {
			chunk.Usage = toUsage(*ev.Usage)
		}
		return chunk, nil

	default: // ping, message_stop, content_block_stop
		return nil, nil
	}
}

// BuildHeaders implements adapters.Adapter.
func (Adapter) BuildHeaders(v *store.ModelVariant) (map[string]string, error) {
	key, ok := adapters.ResolveSecret(v.APIKeyRef)
	if !ok {
		return nil, fmt.Errorf("anthropic: credential %s is not set", v.APIKeyRef)
	}
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": apiVersion,
	}, nil
}

// Endpoint implements adapters.Adapter.
func (Adapter) Endpoint(v *store.ModelVariant, _ bool) (string, error) {
	if v.BaseURL == "" {
		return "", fmt.Errorf("anthropic: variant %s/%s has no base URL", v.Provider, v.ModelID)
	}
	return strings.TrimRight(v.BaseURL, "/") + "/messages", nil
}

// ClassifyError implements adapters.Adapter.
func (Adapter) ClassifyError(statusCode int, _ []byte) adapters.ErrorKind {
	return adapters.ClassifyStatus(statusCode)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func chunkWithDelta(d llm.Delta) *llm.ChatCompletionChunk {
	return &llm.ChatCompletionChunk{
		Object:  "chat.completion.chunk",
		Choices: []llm.ChunkChoice{{Delta: d}},
	}
}

// toUsage maps Anthropic usage to the normalized form. Anthropic's
// input_tokens excludes cache reads, while prompt_tokens includes them —
// the cached counts are added back so both dialects report the same total.
func toUsage(u wireUsage) *llm.Usage {
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadInputTokens == 0 {
		return nil
	}
	prompt := u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
	out := &llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      prompt + u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		out.PromptTokensDetails = &llm.PromptTokensDetails{CachedTokens: u.CacheReadInputTokens}
	}
	return out
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// mergeExtras overlays the variant's opaque parameters onto the rendered
// body. Extras win on collision.
func mergeExtras(body []byte, extras store.JSONMap) ([]byte, error) {
	if len(extras) == 0 {
		return body, nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("anthropic: merge extras: %w", err)
	}
	for k, val := range extras {
		m[k] = val
	}
	return json.Marshal(m)
}
