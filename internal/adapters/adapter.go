// Package adapters defines the wire-format contract between the gateway and
// upstream LLM vendors.
//
// An adapter is a configuration bundle plus a set of pure transforms: it
// translates the normalized request into the vendor's dialect, builds the
// endpoint and headers for a variant, parses responses and stream chunks
// back into the normalized types, and classifies upstream failures. The only
// runtime state — the HTTP client — lives in Client and is injected, so
// adapters themselves are stateless and trivially testable.
//
// Secret handling: every variant names an environment variable in APIKeyRef;
// the adapter reads it at request time and the secret never appears in logs
// or persisted state.
package adapters

import (
	"fmt"
	"os"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

// ErrorKind splits upstream failures into the two classes the orchestrator
// cares about.
type ErrorKind int

const (
	// KindTransient covers network failures, 5xx, timeouts, rate limits,
	// and credential misconfiguration of this variant. Transient errors
	// trigger fallback to the next candidate.
	KindTransient ErrorKind = iota

	// KindBusiness covers errors caused by the caller's request. They are
	// propagated with the upstream status and never trigger fallback.
	KindBusiness
)

// UpstreamError is a classified failure from one upstream attempt.
type UpstreamError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Kind       ErrorKind
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus returns the upstream status code for response mapping.
func (e *UpstreamError) HTTPStatus() int {
	if e.StatusCode == 0 {
		return 502
	}
	return e.StatusCode
}

// Business reports whether the error is the caller's fault.
func (e *UpstreamError) Business() bool { return e.Kind == KindBusiness }

// Adapter translates between the normalized request/response types and one
// vendor wire dialect. Implementations must be safe for concurrent use.
type Adapter interface {
	// Name is the dialect identifier stored in the models table.
	Name() string

	// IsConfigured reports whether the variant's credentials resolve.
	IsConfigured(v *store.ModelVariant) bool

	// ValidateRequest reports whether the dialect can express the request.
	// Capability filters run in the selector; this catches dialect quirks.
	ValidateRequest(req *llm.ChatRequest, v *store.ModelVariant) bool

	// TransformRequest renders the upstream request body. The model field
	// is replaced with the variant's provider model ID, and streaming
	// requests ask the upstream to include usage on the final chunk where
	// the dialect supports it.
	TransformRequest(req *llm.ChatRequest, v *store.ModelVariant, streaming bool) ([]byte, error)

	// TransformResponse parses a non-streaming upstream body.
	TransformResponse(body []byte, v *store.ModelVariant) (*llm.ChatCompletion, error)

	// TransformStreamChunk parses one SSE data payload. Returning
	// (nil, nil) skips the event (keep-alives, bookkeeping frames).
	TransformStreamChunk(data []byte) (*llm.ChatCompletionChunk, error)

	// BuildHeaders returns the request headers for the variant, including
	// resolved credentials.
	BuildHeaders(v *store.ModelVariant) (map[string]string, error)

	// Endpoint returns the full URL for the variant.
	Endpoint(v *store.ModelVariant, streaming bool) (string, error)

	// ClassifyError maps an upstream HTTP status and body to an ErrorKind.
	ClassifyError(statusCode int, body []byte) ErrorKind
}

// ResolveSecret reads the environment variable named by ref. An empty ref
// means the variant needs no credential (local mocks).
func ResolveSecret(ref string) (string, bool) {
	if ref == "" {
		return "", true
	}
	key := os.Getenv(ref)
	return key, key != ""
}

// ClassifyStatus is the shared status-code classification used by every
// dialect: 4xx is the caller's fault except for 401/403 (this variant's
// credentials — the caller cannot fix those), 408 and 429 (worth retrying
// elsewhere). Everything else is transient.
func ClassifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode >= 500:
		return KindTransient
	case statusCode == 401, statusCode == 403:
		return KindTransient
	case statusCode == 408, statusCode == 429:
		return KindTransient
	case statusCode >= 400:
		return KindBusiness
	default:
		return KindTransient
	}
}
