package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions API. OpenAI-compatible vendors share the same wire format, so
// one handler covers every variant routed through the openai dialect.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body", "invalid_request")
			return
		}
		var req struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens := promptTokens(body)
		outTokens := cfg.StreamWords
		cached := cachedTokens(cfg, inTokens)

		usage := map[string]any{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		}
		if cached > 0 {
			usage["prompt_tokens_details"] = map[string]int{"cached_tokens": cached}
		}

		if req.Stream {
			serveOpenAIStream(w, id, model, content, usage, req.StreamOptions.IncludeUsage)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": usage,
		})
	})

	// Models list, for manual poking.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "created": 1710000000, "owned_by": "openai"},
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "openai"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveOpenAIStream writes an SSE stream of chat completion chunks. When the
// caller asked for usage (stream_options.include_usage) the final frame
// before [DONE] carries the usage block and no choices, as the real API does.
func serveOpenAIStream(w http.ResponseWriter, id, model, content string, usage map[string]any, includeUsage bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	emit := func(chunk map[string]any) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	frame := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	emit(frame(map[string]string{"role": "assistant"}, nil))
	for _, word := range strings.Fields(content) {
		emit(frame(map[string]string{"content": word + " "}, nil))
	}
	emit(frame(map[string]string{}, "stop"))

	if includeUsage {
		emit(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []any{},
			"usage":   usage,
		})
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
