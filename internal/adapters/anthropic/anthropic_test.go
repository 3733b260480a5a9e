package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

var ad Adapter

func testVariant() *store.ModelVariant {
	return &store.ModelVariant{
		ModelID:         "claude-sonnet",
		Provider:        "anthropic",
		ProviderModelID: "claude-sonnet-4-20250514",
		Adapter:         "anthropic",
		BaseURL:         "https://api.anthropic.com/v1",
	}
}

func textMsg(role, text string) llm.Message {
	return llm.Message{
		Role:    role,
		Content: []llm.ContentPart{{Type: llm.PartText, Text: text}},
	}
}

func intp(n int) *int { return &n }

func TestValidateRequest(t *testing.T) {
	ok := ad.ValidateRequest(&llm.ChatRequest{Messages: []llm.Message{
		textMsg(llm.RoleSystem, "be nice"),
		textMsg(llm.RoleUser, "hi"),
	}}, nil)
	if !ok {
		t.Error("conversation with a user turn rejected")
	}

	ok = ad.ValidateRequest(&llm.ChatRequest{Messages: []llm.Message{
		textMsg(llm.RoleSystem, "be nice"),
	}}, nil)
	if ok {
		t.Error("system-only conversation accepted; the messages API rejects it")
	}
}

func TestTransformRequest_SystemLift(t *testing.T) {
	req := &llm.ChatRequest{
		Model: "claude-sonnet",
		Messages: []llm.Message{
			textMsg(llm.RoleSystem, "be nice"),
			textMsg(llm.RoleUser, "hi"),
			textMsg(llm.RoleSystem, "be brief"),
		},
		MaxTokens: intp(256),
	}

	body, err := ad.TransformRequest(req, testVariant(), false)
	if err != nil {
		t.Fatal(err)
	}

	var wire struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    string `json:"system"`
		Messages  []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", wire.Model)
	}
	if wire.MaxTokens != 256 {
		t.Errorf("max_tokens = %d", wire.MaxTokens)
	}
	if wire.System != "be nice\n\nbe brief" {
		t.Errorf("system = %q, want both system turns lifted", wire.System)
	}
	if len(wire.Messages) != 1 || wire.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want the single user turn", wire.Messages)
	}
	if wire.Messages[0].Content[0].Text != "hi" {
		t.Errorf("user content = %+v", wire.Messages[0].Content)
	}
}

func TestTransformRequest_DefaultMaxTokens(t *testing.T) {
	req := &llm.ChatRequest{Model: "claude-sonnet", Messages: []llm.Message{textMsg(llm.RoleUser, "hi")}}

	body, err := ad.TransformRequest(req, testVariant(), false)
	if err != nil {
		t.Fatal(err)
	}
	var wire struct {
		MaxTokens int `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want the default; the messages API requires one", wire.MaxTokens)
	}
}

func TestTransformRequest_ToolRoundTrip(t *testing.T) {
	req := &llm.ChatRequest{
		Model: "claude-sonnet",
		Messages: []llm.Message{
			textMsg(llm.RoleUser, "weather in oslo?"),
			{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{
					ID:       "toolu_1",
					Type:     "function",
					Function: llm.FunctionCall{Name: "get_weather", Arguments: `{"city":"oslo"}`},
				}},
			},
			{
				Role:       llm.RoleTool,
				ToolCallID: "toolu_1",
				Content:    []llm.ContentPart{{Type: llm.PartText, Text: `{"temp":-3}`}},
			},
		},
		Tools: []llm.Tool{{
			Type: "function",
			Function: llm.ToolFunction{
				Name:       "get_weather",
				Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
		ToolChoice: &llm.ToolChoice{Mode: "required"},
	}

	body, err := ad.TransformRequest(req, testVariant(), false)
	if err != nil {
		t.Fatal(err)
	}

	var wire struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type      string          `json:"type"`
				ID        string          `json:"id"`
				Name      string          `json:"name"`
				Input     json.RawMessage `json:"input"`
				ToolUseID string          `json:"tool_use_id"`
				Content   string          `json:"content"`
			} `json:"content"`
		} `json:"messages"`
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
		ToolChoice struct {
			Type string `json:"type"`
		} `json:"tool_choice"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatal(err)
	}

	if len(wire.Tools) != 1 || wire.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", wire.Tools)
	}
	if wire.ToolChoice.Type != "any" {
		t.Errorf("tool_choice = %q, want any for required mode", wire.ToolChoice.Type)
	}

	assistant := wire.Messages[1]
	if assistant.Content[0].Type != "tool_use" || assistant.Content[0].Name != "get_weather" {
		t.Errorf("assistant turn = %+v", assistant)
	}

	// Tool results travel as user turns in the messages dialect.
	result := wire.Messages[2]
	if result.Role != "user" || result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result turn = %+v", result)
	}
}

func TestTransformResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"model": "claude-sonnet-4-20250514",
		"content": [
			{"type":"text","text":"The weather "},
			{"type":"text","text":"is cold."},
			{"type":"tool_use","id":"toolu_9","name":"get_weather","input":{"city":"oslo"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens":90,"output_tokens":12,"cache_read_input_tokens":10}
	}`)

	out, err := ad.TransformResponse(body, testVariant())
	if err != nil {
		t.Fatal(err)
	}

	msg := out.Choices[0].Message
	if msg.Content != "The weather is cold." {
		t.Errorf("content = %q, want text blocks concatenated", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
	if out.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", out.Choices[0].FinishReason)
	}

	// input_tokens excludes cache reads on the wire; the normalized prompt
	// count includes them.
	if out.Usage.PromptTokens != 100 || out.Usage.TotalTokens != 112 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.Usage.PromptTokensDetails == nil || out.Usage.PromptTokensDetails.CachedTokens != 10 {
		t.Errorf("cached tokens = %+v", out.Usage.PromptTokensDetails)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_calls",
		"weird":         "weird",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTransformStreamChunk(t *testing.T) {
	// message_start opens the stream with the assistant role.
	chunk, err := ad.TransformStreamChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-20250514","usage":{"input_tokens":50,"output_tokens":0}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if chunk.ID != "msg_1" || chunk.Choices[0].Delta.Role != llm.RoleAssistant {
		t.Errorf("message_start chunk = %+v", chunk)
	}

	chunk, err = ad.TransformStreamChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Content != "hel" {
		t.Errorf("text delta = %+v", chunk.Choices[0].Delta)
	}

	// Tool-call argument fragments keep their block index for merging.
	chunk, err = ad.TransformStreamChunk([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"ci"}}`))
	if err != nil {
		t.Fatal(err)
	}
	tc := chunk.Choices[0].Delta.ToolCalls[0]
	if tc.Index != 1 || tc.Function.Arguments != `{"ci` {
		t.Errorf("tool delta = %+v", tc)
	}

	// message_delta closes with the finish reason and final usage.
	chunk, err = ad.TransformStreamChunk([]byte(`{"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"},"usage":{"input_tokens":50,"output_tokens":9}}`))
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].FinishReason == nil || *chunk.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason = %v", chunk.Choices[0].FinishReason)
	}
	if chunk.Usage == nil || chunk.Usage.CompletionTokens != 9 {
		t.Errorf("usage = %+v", chunk.Usage)
	}

	// Bookkeeping frames are skipped.
	for _, frame := range []string{
		`{"type":"ping"}`,
		`{"type":"message_stop"}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	} {
		chunk, err := ad.TransformStreamChunk([]byte(frame))
		if err != nil || chunk != nil {
			t.Errorf("frame %s: chunk = %v, err = %v", frame, chunk, err)
		}
	}
}

func TestBuildHeaders(t *testing.T) {
	v := testVariant()
	v.APIKeyRef = "TEST_ANTHROPIC_KEY"
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")

	headers, err := ad.BuildHeaders(v)
	if err != nil {
		t.Fatal(err)
	}
	if headers["x-api-key"] != "sk-ant-test" {
		t.Errorf("x-api-key = %q", headers["x-api-key"])
	}
	if headers["anthropic-version"] != apiVersion {
		t.Errorf("anthropic-version = %q", headers["anthropic-version"])
	}
}

func TestEndpoint(t *testing.T) {
	url, err := ad.Endpoint(testVariant(), true)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://api.anthropic.com/v1/messages" {
		t.Errorf("endpoint = %q", url)
	}
}
