// Package gemini implements the Google generateContent wire dialect.
// Register the dialect by importing this package.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

func init() {
	adapters.Register(Adapter{})
}

// Adapter is the Gemini dialect. Stateless; safe for concurrent use.
type Adapter struct{}

// Name implements adapters.Adapter.
func (Adapter) Name() string { return "gemini" }

// IsConfigured implements adapters.Adapter.
func (Adapter) IsConfigured(v *store.ModelVariant) bool {
	_, ok := adapters.ResolveSecret(v.APIKeyRef)
	return ok
}

// ValidateRequest implements adapters.Adapter. generateContent rejects
// requests whose contents are empty after the system turn is lifted out.
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
	fileData struct {
		MimeType string `json:"mimeType,omitempty"`
		FileURI  string `json:"fileUri"`
	}

	functionCall struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}

	functionResponse struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	}

	part struct {
		Text             string            `json:"text,omitempty"`
		FileData         *fileData         `json:"fileData,omitempty"`
		FunctionCall     *functionCall     `json:"functionCall,omitempty"`
		FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
	}

	content struct {
		Role  string `json:"role,omitempty"` // user | model
		Parts []part `json:"parts"`
	}

	generationConfig struct {
		Temperature      *float64 `json:"temperature,omitempty"`
		TopP             *float64 `json:"topP,omitempty"`
		MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
		StopSequences    []string `json:"stopSequences,omitempty"`
		FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
		PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	}

	functionDeclaration struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	wireTool struct {
		FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
	}

	functionCallingConfig struct {
		Mode                 string   `json:"mode"` // AUTO | ANY | NONE
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	}

	toolConfig struct {
		FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
	}

	wireRequest struct {
		SystemInstruction *content          `json:"systemInstruction,omitempty"`
		Contents          []content         `json:"contents"`
		GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
		Tools             []wireTool        `json:"tools,omitempty"`
		ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	}

	usageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		TotalTokenCount         int `json:"totalTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	}

	candidate struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	}

	wireResponse struct {
		Candidates    []candidate    `json:"candidates"`
		UsageMetadata *usageMetadata `json:"usageMetadata"`
		ModelVersion  string         `json:"modelVersion"`
	}
)

// TransformRequest implements adapters.Adapter.
func (Adapter) TransformRequest(req *llm.ChatRequest, v *store.ModelVariant, _ bool) ([]byte, error) {
	wire := wireRequest{}

	var system strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Text())

		case llm.RoleAssistant:
			c := content{Role: "model"}
			if text := m.Text(); text != "" {
				c.Parts = append(c.Parts, part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				c.Parts = append(c.Parts, part{
					FunctionCall: &functionCall{Name: tc.Function.Name, Args: args},
				})
			}
			wire.Contents = append(wire.Contents, c)

		case llm.RoleTool:
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			wire.Contents = append(wire.Contents, content{
				Role: "user",
				Parts: []part{{
					FunctionResponse: &functionResponse{
						Name:     name,
						Response: map[string]any{"result": m.Text()},
					},
				}},
			})

		default: // user
			c := content{Role: "user"}
			for _, p := range m.Content {
				switch p.Type {
				case llm.PartImageURL:
					if p.ImageURL == nil {
						continue
					}
					c.Parts = append(c.Parts, part{FileData: &fileData{FileURI: p.ImageURL.URL}})
				default:
					c.Parts = append(c.Parts, part{Text: p.Text})
				}
			}
			wire.Contents = append(wire.Contents, c)
		}
	}
	if system.Len() > 0 {
		wire.SystemInstruction = &content{Parts: []part{{Text: system.String()}}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil ||
		len(req.Stop) > 0 || req.FrequencyPenalty != nil || req.PresencePenalty != nil {
		wire.GenerationConfig = &generationConfig{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxOutputTokens:  req.MaxTokensValue(),
			StopSequences:    req.Stop,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		wire.Tools = []wireTool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		cfg := functionCallingConfig{Mode: "AUTO"}
		switch req.ToolChoice.Mode {
		case "none":
			cfg.Mode = "NONE"
		case "required":
			cfg.Mode = "ANY"
		case "named":
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{req.ToolChoice.Name}
		}
		wire.ToolConfig = &toolConfig{FunctionCallingConfig: cfg}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	return mergeExtras(body, v.ExtraParams)
}

// TransformResponse implements adapters.Adapter.
func (a Adapter) TransformResponse(body []byte, v *store.ModelVariant) (*llm.ChatCompletion, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("gemini: parse response: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: response has no candidates")
	}

	model := wire.ModelVersion
	if model == "" {
		model = v.ProviderModelID
	}

	msg, finish := toChoiceMessage(wire.Candidates[0])
	return &llm.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Model:   model,
		Choices: []llm.Choice{{Message: msg, FinishReason: finish}},
		Usage:   toUsage(wire.UsageMetadata),
	}, nil
}

// TransformStreamChunk implements adapters.Adapter. With alt=sse each frame
// is a complete GenerateContentResponse carrying the next text delta.
func (Adapter) TransformStreamChunk(data []byte) (*llm.ChatCompletionChunk, error) {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("gemini: parse chunk: %w", err)
	}

	chunk := &llm.ChatCompletionChunk{
		Object:  "chat.completion.chunk",
		Model:   wire.ModelVersion,
		Usage:   toUsage(wire.UsageMetadata),
		Choices: []llm.ChunkChoice{{}},
	}

	if len(wire.Candidates) > 0 {
		cand := wire.Candidates[0]
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				chunk.Choices[0].Delta.Content += p.Text
			}
			if p.FunctionCall != nil {
				chunk.Choices[0].Delta.ToolCalls = append(chunk.Choices[0].Delta.ToolCalls, llm.ToolCall{
					Index:    len(chunk.Choices[0].Delta.ToolCalls),
					ID:       "call_" + uuid.New().String(),
					Type:     "function",
					Function: llm.FunctionCall{Name: p.FunctionCall.Name, Arguments: string(p.FunctionCall.Args)},
				})
			}
		}
		if cand.FinishReason != "" {
			reason := mapFinishReason(cand.FinishReason)
			chunk.Choices[0].FinishReason = &reason
		}
	}

	if chunk.Choices[0].Delta.Content == "" &&
		len(chunk.Choices[0].Delta.ToolCalls) == 0 &&
		chunk.Choices[0].FinishReason == nil &&
		chunk.Usage == nil {
		return nil, nil
	}
	return chunk, nil
}

// BuildHeaders implements adapters.Adapter.
func (Adapter) BuildHeaders(v *store.ModelVariant) (map[string]string, error) {
	key, ok := adapters.ResolveSecret(v.APIKeyRef)
	if !ok {
		return nil, fmt.Errorf("gemini: credential %s is not set", v.APIKeyRef)
	}
	return map[string]string{"x-goog-api-key": key}, nil
}

// Endpoint implements adapters.Adapter.
func (Adapter) Endpoint(v *store.ModelVariant, streaming bool) (string, error) {
	if v.BaseURL == "" {
		return "", fmt.Errorf("gemini: variant %s/%s has no base URL", v.Provider, v.ModelID)
	}
	base := strings.TrimRight(v.BaseURL, "/") + "/models/" + v.ProviderModelID
	if streaming {
		return base + ":streamGenerateContent?alt=sse", nil
	}
	return base + ":generateContent", nil
}

// ClassifyError implements adapters.Adapter.
func (Adapter) ClassifyError(statusCode int, _ []byte) adapters.ErrorKind {
	return adapters.ClassifyStatus(statusCode)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func toChoiceMessage(cand candidate) (llm.ChoiceMessage, string) {
	msg := llm.ChoiceMessage{Role: llm.RoleAssistant}
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				Index:    len(msg.ToolCalls),
				ID:       "call_" + uuid.New().String(),
				Type:     "function",
				Function: llm.FunctionCall{Name: p.FunctionCall.Name, Arguments: string(p.FunctionCall.Args)},
			})
		}
	}
	msg.Content = text.String()

	finish := mapFinishReason(cand.FinishReason)
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return msg, finish
}

func toUsage(u *usageMetadata) *llm.Usage {
	if u == nil || u.TotalTokenCount == 0 {
		return nil
	}
	out := &llm.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
	if u.CachedContentTokenCount > 0 {
		out.PromptTokensDetails = &llm.PromptTokensDetails{CachedTokens: u.CachedContentTokenCount}
	}
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func mergeExtras(body []byte, extras store.JSONMap) ([]byte, error) {
	if len(extras) == 0 {
		return body, nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("gemini: merge extras: %w", err)
	}
	for k, val := range extras {
		m[k] = val
	}
	return json.Marshal(m)
}
