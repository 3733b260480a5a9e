// Package llm defines the normalized OpenAI-compatible wire types shared by
// the gateway, the provider selector, and the adapters.
//
// The inbound JSON uses several polymorphic fields (message content may be a
// bare string or an array of typed parts, "stop" may be a string or an array,
// "provider" may be a string or an array). Each of those is normalized into a
// single Go representation via a custom UnmarshalJSON so the rest of the code
// never touches raw JSON.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content part types.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// Message roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type (
	// ImageURL is the image payload of an image_url content part.
	ImageURL struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	}

	// ContentPart is one element of a multi-part message content.
	// Exactly one of Text / ImageURL is meaningful, keyed by Type.
	ContentPart struct {
		Type     string    `json:"type"`
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	// FunctionCall is the function payload of a tool call.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolCall is an assistant-emitted tool invocation.
	ToolCall struct {
		Index    int          `json:"index,omitempty"`
		ID       string       `json:"id,omitempty"`
		Type     string       `json:"type,omitempty"`
		Function FunctionCall `json:"function"`
	}

	// Message is a single conversation turn.
	//
	// Content is always normalized to a slice of parts; a plain string body
	// becomes a single text part. Marshalling collapses a single text part
	// back to a bare string so the upstream sees the compact form.
	Message struct {
		Role       string        `json:"role"`
		Content    []ContentPart `json:"content"`
		Name       string        `json:"name,omitempty"`
		ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
		ToolCallID string        `json:"tool_call_id,omitempty"`
	}

	// ToolFunction describes a callable function exposed to the model.
	ToolFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// Tool is one entry of the request "tools" array.
	Tool struct {
		Type     string       `json:"type"`
		Function ToolFunction `json:"function"`
	}

	// ToolChoice normalizes the "tool_choice" field: "auto", "none",
	// "required", or a named function.
	ToolChoice struct {
		Mode string // auto | none | required | named
		Name string // set when Mode == "named"
	}

	// ChatRequest is the normalized body of POST /v1/chat/completions.
	ChatRequest struct {
		Model            string     `json:"model"`
		Messages         []Message  `json:"messages"`
		Stream           bool       `json:"stream,omitempty"`
		MaxTokens        *int       `json:"max_tokens,omitempty"`
		Temperature      *float64   `json:"temperature,omitempty"`
		TopP             *float64   `json:"top_p,omitempty"`
		FrequencyPenalty *float64   `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64   `json:"presence_penalty,omitempty"`
		Stop             []string   `json:"stop,omitempty"`
		Tools            []Tool     `json:"tools,omitempty"`
		ToolChoice       *ToolChoice `json:"tool_choice,omitempty"`
		Provider         []string   `json:"provider,omitempty"`
		User             string     `json:"user,omitempty"`

		// Compression opts the family router into best-effort message
		// compression before complexity evaluation.
		Compression bool `json:"compression,omitempty"`
	}

	// PromptTokensDetails carries the cached-token split reported by
	// cache-capable upstreams.
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	}

	// Usage is the token usage block of a completion or final stream chunk.
	Usage struct {
		PromptTokens        int                  `json:"prompt_tokens"`
		CompletionTokens    int                  `json:"completion_tokens"`
		TotalTokens         int                  `json:"total_tokens"`
		PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`

		// Cost is a gateway extension: some upstreams report the exact USD
		// cost of the call. Zero means "not reported".
		Cost float64 `json:"cost,omitempty"`
	}

	// ChoiceMessage is the assistant message of a completed choice.
	ChoiceMessage struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// Choice is one completion alternative.
	Choice struct {
		Index        int           `json:"index"`
		Message      ChoiceMessage `json:"message"`
		FinishReason string        `json:"finish_reason,omitempty"`
	}

	// ChatCompletion is the normalized non-streaming response envelope.
	ChatCompletion struct {
		ID       string   `json:"id"`
		Object   string   `json:"object"`
		Created  int64    `json:"created"`
		Model    string   `json:"model"`
		Provider string   `json:"provider,omitempty"`
		Choices  []Choice `json:"choices"`
		Usage    *Usage   `json:"usage,omitempty"`
	}

	// Delta is the incremental payload of one stream chunk choice.
	Delta struct {
		Role      string     `json:"role,omitempty"`
		Content   string     `json:"content,omitempty"`
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	}

	// ChunkChoice is one choice of a stream chunk.
	ChunkChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	// ChatCompletionChunk is one normalized SSE stream chunk.
	ChatCompletionChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []ChunkChoice `json:"choices"`
		Usage   *Usage        `json:"usage,omitempty"`
	}
)

// ── Polymorphic JSON handling ─────────────────────────────────────────────────

// UnmarshalJSON accepts both the bare-string and the typed-parts forms of
// message content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Name = raw.Name
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = raw.ToolCallID
	m.Content = nil

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = []ContentPart{{Type: PartText, Text: s}}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("message content must be a string or an array of parts: %w", err)
	}
	m.Content = parts
	return nil
}

// MarshalJSON collapses a single text part back to the compact string form.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias struct {
		Role       string     `json:"role"`
		Content    any        `json:"content"`
		Name       string     `json:"name,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}
	out := alias{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	switch {
	case len(m.Content) == 0:
		if len(m.ToolCalls) == 0 {
			out.Content = ""
		}
	case len(m.Content) == 1 && m.Content[0].Type == PartText:
		out.Content = m.Content[0].Text
	default:
		out.Content = m.Content
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts "auto" / "none" / "required" or the
// {"type":"function","function":{"name":...}} object form.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "auto", "none", "required":
			tc.Mode = s
			return nil
		default:
			return fmt.Errorf("invalid tool_choice %q", s)
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool_choice must be a string or a function object: %w", err)
	}
	if obj.Function.Name == "" {
		return fmt.Errorf("tool_choice function object requires a name")
	}
	tc.Mode = "named"
	tc.Name = obj.Function.Name
	return nil
}

// MarshalJSON emits the OpenAI wire form.
func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Mode != "named" {
		return json.Marshal(tc.Mode)
	}
	return json.Marshal(map[string]any{
		"type":     "function",
		"function": map[string]string{"name": tc.Name},
	})
}

// UnmarshalJSON handles the string-or-array polymorphism of "stop" and
// "provider" by delegating to stringOrSlice at the request level.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias ChatRequest
	var raw struct {
		alias
		Stop     json.RawMessage `json:"stop"`
		Provider json.RawMessage `json:"provider"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ChatRequest(raw.alias)

	var err error
	if r.Stop, err = stringOrSlice(raw.Stop, "stop"); err != nil {
		return err
	}
	if r.Provider, err = stringOrSlice(raw.Provider, "provider"); err != nil {
		return err
	}
	return nil
}

func stringOrSlice(raw json.RawMessage, field string) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("%q must be a string or an array of strings", field)
	}
	return arr, nil
}

// ── Convenience accessors ─────────────────────────────────────────────────────

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// HasImages reports whether any message carries an image_url content part.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		for _, p := range m.Content {
			if p.Type == PartImageURL {
				return true
			}
		}
	}
	return false
}

// imageTokenEstimate is the flat per-image budget used for context sizing.
const imageTokenEstimate = 1000

// EstimateTokens returns a cheap upper-bound token estimate for the request:
// ceil(len(text)/4) per text part, a flat budget per image, plus max_tokens
// reserved for the completion.
func (r *ChatRequest) EstimateTokens() int {
	total := 0
	for _, m := range r.Messages {
		for _, p := range m.Content {
			switch p.Type {
			case PartImageURL:
				total += imageTokenEstimate
			default:
				total += (len(p.Text) + 3) / 4
			}
		}
		for _, tc := range m.ToolCalls {
			total += (len(tc.Function.Arguments) + 3) / 4
		}
	}
	return total + r.MaxTokensValue()
}

// MaxTokensValue returns max_tokens, or 0 when the caller omitted it.
func (r *ChatRequest) MaxTokensValue() int {
	if r.MaxTokens == nil {
		return 0
	}
	return *r.MaxTokens
}
