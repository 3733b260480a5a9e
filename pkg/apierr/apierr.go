// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeInsufficientFunds = "insufficient_funds"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInsufficientfunds = "insufficient_funds"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNoCandidates      = "no_candidates"
	CodeConflict          = "conflict"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients. Provider identifies
// the upstream behind a business error; Details carries structured
// diagnostics such as the candidate exclusion list.
type (
	APIError struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Code     string `json:"code,omitempty"`
		Provider string `json:"provider,omitempty"`
		Details  any    `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteError(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

// WriteError writes a fully populated APIError.
func WriteError(ctx *fasthttp.RequestCtx, status int, apiErr APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: apiErr})
	ctx.SetBody(body)
}

// WriteUpstreamError maps an upstream HTTP status to the gateway status.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 4xx  → passed through
//	Everything else → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, provider, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		WriteError(ctx, fasthttp.StatusTooManyRequests, APIError{
			Message: msg, Type: TypeRateLimitError, Code: CodeRateLimitExceeded, Provider: provider,
		})
	case upstreamStatus >= 400 && upstreamStatus < 500:
		WriteError(ctx, upstreamStatus, APIError{
			Message: msg, Type: TypeProviderError, Code: CodeProviderError, Provider: provider,
		})
	default:
		WriteError(ctx, fasthttp.StatusBadGateway, APIError{
			Message: msg, Type: TypeProviderError, Code: CodeProviderError, Provider: provider,
		})
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
