package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// replyWords is the pool used to assemble mock completions.
var replyWords = []string{
	"routing", "gateway", "fallback", "candidate", "provider", "variant",
	"tokens", "stream", "chunk", "usage", "wallet", "ledger", "family",
	"evaluator", "score", "band", "catalog", "snapshot", "mock", "reply",
}

// fakeSentence returns a mock completion of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = replyWords[rand.IntN(len(replyWords))]
	}
	return strings.Join(words, " ") + "."
}

// promptTokens estimates input tokens from the raw request body the same way
// the gateway does: one token per four characters.
func promptTokens(body []byte) int {
	n := len(body) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// cachedTokens returns the cached-token count to report, clamped so it never
// exceeds the input count.
func cachedTokens(cfg Config, inTokens int) int {
	if cfg.CachedTokens <= 0 {
		return 0
	}
	if cfg.CachedTokens > inTokens {
		return inTokens
	}
	return cfg.CachedTokens
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an upstream 500.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
