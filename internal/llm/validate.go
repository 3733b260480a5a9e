package llm

import "fmt"

// ValidationError describes a rejected request field. It renders into the
// "details" member of the OpenAI error envelope.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

var validRoles = map[string]bool{
	RoleSystem:    true,
	RoleUser:      true,
	RoleAssistant: true,
	RoleTool:      true,
}

// Validate checks the request against the constraints the gateway enforces
// before provider selection. The first violation is returned.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", i),
				Reason: fmt.Sprintf("invalid role %q", m.Role),
			}
		}
		// An assistant turn may carry content and tool_calls together;
		// real OpenAI payloads mix them.
		hasContent := len(m.Content) > 0
		hasToolCalls := len(m.ToolCalls) > 0
		if !hasContent && !hasToolCalls {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d]", i),
				Reason: "either content or tool_calls is required",
			}
		}
		if hasToolCalls && m.Role != RoleAssistant {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].tool_calls", i),
				Reason: "only assistant messages may carry tool_calls",
			}
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return &ValidationError{Field: "top_p", Reason: "must be between 0 and 1"}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be greater than 0"}
	}
	return nil
}
