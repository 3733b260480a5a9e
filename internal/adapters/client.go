package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

const (
	// DefaultTimeout bounds non-streaming upstream calls end to end.
	DefaultTimeout = 60 * time.Second

	// DefaultStreamIdleTimeout is the maximum silence between stream
	// chunks before the stream is aborted. Streams have no overall
	// deadline — long generations are legitimate — but a stalled upstream
	// must not pin the connection forever.
	DefaultStreamIdleTimeout = 90 * time.Second

	// sseDataPrefix frames every payload line of an SSE stream.
	sseDataPrefix = "data:"

	// doneMarker terminates an SSE stream.
	doneMarker = "[DONE]"

	// maxErrorBody caps how much of an upstream error body is retained.
	maxErrorBody = 4 << 10

	// maxLineSize is the scanner buffer for a single SSE line. Vision
	// deltas and tool-call arguments can make individual frames large.
	maxLineSize = 1 << 20
)

// Event is one element of a streaming response: a chunk or a terminal error.
// Channel close without an error event means clean end of stream.
type Event struct {
	Chunk *llm.ChatCompletionChunk
	Err   error
}

// Stream is a cancellable sequence of normalized chunks.
type Stream struct {
	// C delivers chunks in upstream order and is closed on stream end.
	C <-chan Event

	cancel context.CancelFunc
}

// Close aborts the upstream connection. Safe to call after the stream ends.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Client drives adapters over HTTP. One Client is shared by the orchestrator
// and the family router; connections pool inside the embedded http.Clients.
type Client struct {
	http      *http.Client
	stream    *http.Client
	idle      time.Duration
	log       *slog.Logger
	userAgent string
}

// ClientOptions tunes a Client. Zero values use the package defaults.
type ClientOptions struct {
	Timeout           time.Duration
	StreamIdleTimeout time.Duration
	Logger            *slog.Logger

	// Transport overrides the HTTP transport; tests inject doubles here.
	Transport http.RoundTripper
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	idle := opts.StreamIdleTimeout
	if idle <= 0 {
		idle = DefaultStreamIdleTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		http:      &http.Client{Timeout: timeout, Transport: transport},
		stream:    &http.Client{Transport: transport}, // idle timeout enforced per-read
		idle:      idle,
		log:       log,
		userAgent: "relayforge-gateway",
	}
}

// Do executes a non-streaming request through the adapter and returns the
// normalized completion. Failures are always *UpstreamError.
func (c *Client) Do(ctx context.Context, ad Adapter, req *llm.ChatRequest, v *store.ModelVariant) (*llm.ChatCompletion, error) {
	resp, err := c.send(ctx, ad, req, v, false, c.http)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(v.Provider, err)
	}

	out, err := ad.TransformResponse(body, v)
	if err != nil {
		return nil, &UpstreamError{
			Provider:   v.Provider,
			StatusCode: resp.StatusCode,
			Kind:       KindTransient,
			Message:    fmt.Sprintf("malformed upstream response: %v", err),
		}
	}
	out.Provider = v.Provider
	return out, nil
}

// Stream opens a streaming request. The returned Stream's channel delivers
// chunks in upstream order; the first failure (including errors before any
// chunk) arrives as an Event with Err set, after which the channel closes.
//
// Errors opening the connection — network failure, non-2xx status — are
// returned directly so the caller can fall back to another candidate before
// anything reaches the downstream client.
func (c *Client) Stream(ctx context.Context, ad Adapter, req *llm.ChatRequest, v *store.ModelVariant) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	resp, err := c.send(streamCtx, ad, req, v, true, c.stream)
	if err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan Event, 16)
	s := &Stream{C: ch, cancel: cancel}

	go c.pump(streamCtx, ad, v, resp.Body, ch)

	return s, nil
}

// pump reads SSE frames from body, transforms them, and delivers them on ch.
// It owns body and ch: both are closed before it returns.
func (c *Client) pump(ctx context.Context, ad Adapter, v *store.ModelVariant, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	// Abort the read when the stream goes silent for too long.
	idleTimer := time.AfterFunc(c.idle, func() { body.Close() })
	defer idleTimer.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	for scanner.Scan() {
		idleTimer.Reset(c.idle)

		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte(sseDataPrefix)) {
			continue // comments, event names, blank keep-alives
		}
		data := bytes.TrimSpace(line[len(sseDataPrefix):])
		if len(data) == 0 {
			continue
		}
		if string(data) == doneMarker {
			return
		}

		chunk, err := ad.TransformStreamChunk(data)
		if err != nil {
			c.log.Warn("stream chunk parse failed",
				slog.String("provider", v.Provider),
				slog.String("error", err.Error()),
			)
			continue
		}
		if chunk == nil {
			continue
		}

		select {
		case ch <- Event{Chunk: chunk}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case ch <- Event{Err: transportError(v.Provider, err)}:
		case <-ctx.Done():
		}
	}
}

// send builds and executes the upstream HTTP request, returning the raw
// response on 2xx and a classified *UpstreamError otherwise.
func (c *Client) send(
	ctx context.Context,
	ad Adapter,
	req *llm.ChatRequest,
	v *store.ModelVariant,
	streaming bool,
	httpClient *http.Client,
) (*http.Response, error) {
	payload, err := ad.TransformRequest(req, v, streaming)
	if err != nil {
		return nil, &UpstreamError{
			Provider: v.Provider,
			Kind:     KindBusiness,
			Message:  fmt.Sprintf("cannot express request in %s dialect: %v", ad.Name(), err),
		}
	}

	endpoint, err := ad.Endpoint(v, streaming)
	if err != nil {
		return nil, &UpstreamError{Provider: v.Provider, Kind: KindTransient, Message: err.Error()}
	}

	headers, err := ad.BuildHeaders(v)
	if err != nil {
		// Missing credentials are this deployment's problem, not the
		// caller's — classified transient so fallback can try elsewhere.
		return nil, &UpstreamError{Provider: v.Provider, Kind: KindTransient, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &UpstreamError{Provider: v.Provider, Kind: KindTransient, Message: err.Error()}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, val := range headers {
		httpReq.Header.Set(k, val)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(v.Provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &UpstreamError{
			Provider:   v.Provider,
			StatusCode: resp.StatusCode,
			Kind:       ad.ClassifyError(resp.StatusCode, body),
			Message:    upstreamMessage(resp.StatusCode, body),
		}
	}

	return resp, nil
}

// transportError wraps network-level failures; they are always transient.
func transportError(provider string, err error) *UpstreamError {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "upstream request timed out"
	}
	return &UpstreamError{Provider: provider, Kind: KindTransient, Message: msg}
}

// upstreamMessage extracts a readable message from an upstream error body,
// falling back to the status text.
func upstreamMessage(statusCode int, body []byte) string {
	msg := extractErrorMessage(body)
	if msg == "" {
		return fmt.Sprintf("upstream returned %d %s", statusCode, http.StatusText(statusCode))
	}
	return strings.TrimSpace(msg)
}
