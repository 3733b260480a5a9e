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

// newGeminiHandler returns an http.Handler simulating the Gemini REST API:
//
//	POST {base}/v1beta/models/{model}:generateContent
//	POST {base}/v1beta/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/v1beta/models
//
// Streaming is served as SSE data frames of GenerateContentResponse objects,
// which is what the gateway's gemini dialect consumes.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, r, cfg, model, false)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, r, cfg, model, true)

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
				{
					"name":        "models/gemini-1.5-pro",
					"displayName": "Gemini 1.5 Pro",
					"description": "Mock Gemini 1.5 Pro",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string, stream bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGeminiError(w, http.StatusBadRequest, "read body")
		return
	}

	id := fmt.Sprintf("gemini-%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := promptTokens(body)
	outTokens := cfg.StreamWords
	cached := cachedTokens(cfg, inTokens)

	usage := map[string]int{
		"promptTokenCount":     inTokens,
		"candidatesTokenCount": outTokens,
		"totalTokenCount":      inTokens + outTokens,
	}
	if cached > 0 {
		usage["cachedContentTokenCount"] = cached
	}

	if stream {
		serveGeminiStream(w, id, model, content, usage)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates":    []any{geminiCandidate(content, "STOP")},
		"usageMetadata": usage,
		"responseId":    id,
		"modelVersion":  model,
	})
}

// serveGeminiStream emits one SSE frame per word. Only the final frame
// carries finishReason and usageMetadata, matching the real alt=sse wire.
func serveGeminiStream(w http.ResponseWriter, id, model, content string, usage map[string]int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	emit := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	words := strings.Fields(content)
	for i, word := range words {
		frame := map[string]any{
			"responseId":   id,
			"modelVersion": model,
			"createTime":   time.Now().Format(time.RFC3339),
		}
		if i < len(words)-1 {
			frame["candidates"] = []any{geminiCandidate(word+" ", "")}
		} else {
			frame["candidates"] = []any{geminiCandidate(word+".", "STOP")}
			frame["usageMetadata"] = usage
		}
		emit(frame)
	}
}

func geminiCandidate(text, finish string) map[string]any {
	c := map[string]any{
		"content": map[string]any{
			"role": "model",
			"parts": []map[string]string{
				{"text": text},
			},
		},
		"index": 0,
	}
	if finish != "" {
		c["finishReason"] = finish
	}
	return c
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
