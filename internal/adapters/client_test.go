package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

// testDialect is a minimal JSON-passthrough dialect for exercising the client.
type testDialect struct{}

func (testDialect) Name() string                                               { return "test" }
func (testDialect) IsConfigured(*store.ModelVariant) bool                      { return true }
func (testDialect) ValidateRequest(*llm.ChatRequest, *store.ModelVariant) bool { return true }
func (testDialect) ClassifyError(statusCode int, _ []byte) ErrorKind {
	return ClassifyStatus(statusCode)
}
func (testDialect) BuildHeaders(*store.ModelVariant) (map[string]string, error) { return nil, nil }

func (testDialect) TransformRequest(req *llm.ChatRequest, v *store.ModelVariant, streaming bool) ([]byte, error) {
	return json.Marshal(map[string]any{"model": v.ProviderModelID, "stream": streaming})
}

func (testDialect) TransformResponse(body []byte, _ *store.ModelVariant) (*llm.ChatCompletion, error) {
	var out llm.ChatCompletion
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("no choices")
	}
	return &out, nil
}

func (testDialect) TransformStreamChunk(data []byte) (*llm.ChatCompletionChunk, error) {
	var chunk llm.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	return &chunk, nil
}

func (testDialect) Endpoint(v *store.ModelVariant, _ bool) (string, error) {
	if v.BaseURL == "" {
		return "", errors.New("no base URL")
	}
	return v.BaseURL, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVariant(baseURL string) *store.ModelVariant {
	return &store.ModelVariant{
		ModelID:         "gpt-test",
		Provider:        "testprov",
		ProviderModelID: "gpt-test-v1",
		Adapter:         "test",
		BaseURL:         baseURL,
	}
}

func chatReq() *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: "gpt-test",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: []llm.ContentPart{{Type: llm.PartText, Text: "hi"}},
		}},
	}
}

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{})
	out, err := c.Do(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %q", out.Choices[0].Message.Content)
	}
	if out.Provider != "testprov" {
		t.Errorf("provider = %q, want stamped from the variant", out.Provider)
	}
}

func TestClientDo_ClassifiesUpstreamStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindTransient},
		{500, KindTransient},
		{400, KindBusiness},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
		}))

		c := NewClient(ClientOptions{})
		_, err := c.Do(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))
		srv.Close()

		var ue *UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("status %d: error = %v, want *UpstreamError", tc.status, err)
		}
		if ue.Kind != tc.want {
			t.Errorf("status %d: kind = %v, want %v", tc.status, ue.Kind, tc.want)
		}
		if ue.StatusCode != tc.status {
			t.Errorf("status %d: StatusCode = %d", tc.status, ue.StatusCode)
		}
		if !strings.Contains(ue.Message, "nope") {
			t.Errorf("status %d: message %q lost the upstream detail", tc.status, ue.Message)
		}
	}
}

func TestClientDo_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(ClientOptions{})
	_, err := c.Do(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.Kind != KindTransient || ue.StatusCode != 0 {
		t.Errorf("kind = %v, status = %d, want transient with no status", ue.Kind, ue.StatusCode)
	}
}

func TestClientStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("accept = %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive comment\n")
		fmt.Fprint(w, "event: chunk\n")
		fmt.Fprint(w, `data: {"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"hel"}}]}`+"\n\n")
		fmt.Fprint(w, "data: not json\n\n") // parse failures are skipped
		fmt.Fprint(w, `data: {"id":"cmpl-1","choices":[]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, `data: {"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"never"}}]}`+"\n\n")
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Logger: discardLogger()})
	s, err := c.Stream(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var got []string
	for ev := range s.C {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		got = append(got, ev.Chunk.Choices[0].Delta.Content)
	}
	if len(got) != 2 || got[0] != "hel" || got[1] != "lo" {
		t.Errorf("chunks = %v, want [hel lo]", got)
	}
}

func TestClientStream_OpenFailureReturnsDirectly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{})
	_, err := c.Stream(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.StatusCode != 503 || ue.Kind != KindTransient {
		t.Errorf("got %+v", ue)
	}
}

func TestClientStream_AbortedMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"partial"}}]}`+"\n\n")
		w.(http.Flusher).Flush()

		// Kill the connection without a [DONE] marker.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{Logger: discardLogger()})
	s, err := c.Stream(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var chunks int
	var streamErr error
	for ev := range s.C {
		if ev.Err != nil {
			streamErr = ev.Err
			continue
		}
		chunks++
	}
	if chunks != 1 {
		t.Errorf("chunks = %d, want 1 before the failure", chunks)
	}
	if streamErr == nil {
		t.Fatal("no error event for a severed stream")
	}
	var ue *UpstreamError
	if !errors.As(streamErr, &ue) || ue.Kind != KindTransient {
		t.Errorf("stream error = %v, want a transient *UpstreamError", streamErr)
	}
}

func TestClientStream_IdleTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"x"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-blocked // go silent
	}))
	defer srv.Close()
	defer close(blocked)

	c := NewClient(ClientOptions{StreamIdleTimeout: 50 * time.Millisecond, Logger: discardLogger()})
	s, err := c.Stream(context.Background(), testDialect{}, chatReq(), testVariant(srv.URL))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.C:
			if !ok {
				return // stream ended after the idle abort
			}
			if ev.Err != nil {
				return // idle abort surfaced as an error event
			}
		case <-deadline:
			t.Fatal("stream not aborted after idle timeout")
		}
	}
}
