// Package family resolves synthetic family model IDs to concrete models.
//
// A family request is scored 1–100 by a cheap evaluator model; the score band
// configured for the family selects the target model. Results are memoized so
// repeated identical requests within the family's cache window skip the
// evaluator entirely.
package family

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/llm-gateway/internal/adapters"
	"github.com/relayforge/llm-gateway/internal/cache"
	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

const (
	// evaluationSystemPrompt asks the judge for a bare integer.
	evaluationSystemPrompt = "You are a complexity evaluator. " +
		"Given a conversation, estimate how complex the assistant's next action is. " +
		"Respond with a single integer from 1 (trivial) to 100 (extremely complex). " +
		"Output the number only, no explanation."

	// compressionSystemPrompt asks for removable message indices.
	compressionSystemPrompt = "You prune conversation history. " +
		"Given a JSON array of indexed messages, list the indices of messages that can be " +
		"removed without losing context: redundant acknowledgements, superseded questions, " +
		"repeated content. Never remove the first message or the last three. " +
		"Respond with a JSON array of integers only."

	// evaluationMaxTokens caps the judge's reply; a score needs no more.
	evaluationMaxTokens = 10

	// defaultScore stands in when the judge's reply does not parse.
	defaultScore = 50

	// truncation budget: per-message token allowance and a hard total cap.
	maxTokensPerMessage = 2000
	maxTotalEvalTokens  = 128000

	// charsPerToken is the cheap length heuristic shared with estimation.
	charsPerToken = 4

	// headShare of a truncated message is kept from the front; the rest
	// comes from the tail.
	headShare = 0.6

	// ellipsis marks where truncation removed text.
	ellipsis = " […] "

	// fallbackEvaluationCost is charged when the evaluator variant carries
	// no pricing and the upstream reported no cost.
	fallbackEvaluationCost = 0.0001

	// defaultEvaluationTimeout bounds the judge call when the family config
	// has no explicit timeout.
	defaultEvaluationTimeout = 10 * time.Second
)

// RoutingResult is the outcome of one family resolution.
type RoutingResult struct {
	SelectedModel    string  `json:"selected_model"`
	SelectedProvider string  `json:"selected_provider"`
	ComplexityScore  int     `json:"complexity_score"`
	Reasoning        string  `json:"reasoning"`
	EvaluationCost   float64 `json:"evaluation_cost"`
	EvaluationTokens int     `json:"evaluation_tokens"`
	FromCache        bool    `json:"from_cache"`
}

// VariantSource resolves the evaluator variant.
type VariantSource interface {
	VariantsForModelID(ctx context.Context, id string) ([]*store.ModelVariant, error)
}

// Executor runs the non-streaming evaluator call. *adapters.Client
// implements it.
type Executor interface {
	Do(ctx context.Context, ad adapters.Adapter, req *llm.ChatRequest, v *store.ModelVariant) (*llm.ChatCompletion, error)
}

// CacheMetrics counts routing memoization outcomes. *metrics.Registry
// implements it.
type CacheMetrics interface {
	CacheGetHit()
	CacheGetMiss()
	CacheGetBypass()
	CacheSetOK()
	CacheSetError()
}

// Router scores family requests and maps them to concrete models.
type Router struct {
	variants   VariantSource
	exec       Executor
	cache      cache.Cache
	exclusions *cache.ExclusionList
	log        *slog.Logger
	cacheStats CacheMetrics
}

// New creates a Router. cache may be nil to disable memoization.
func New(variants VariantSource, exec Executor, c cache.Cache, exclusions *cache.ExclusionList, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{variants: variants, exec: exec, cache: c, exclusions: exclusions, log: log}
}

// SetCacheMetrics attaches memoization counters. nil leaves counting off.
func (r *Router) SetCacheMetrics(cm CacheMetrics) { r.cacheStats = cm }

// EvaluateAndRoute resolves fam for req. The request is never mutated; the
// caller rewrites req.Model from the returned result.
func (r *Router) EvaluateAndRoute(ctx context.Context, fam *store.Family, req *llm.ChatRequest) (*RoutingResult, error) {
	if fam == nil || !fam.Enabled {
		return nil, fmt.Errorf("family: %q is not available", req.Model)
	}

	key := routingKey(fam.FamilyID, req)
	if cached := r.fromCache(ctx, fam, key); cached != nil {
		return cached, nil
	}

	messages := req.Messages
	if req.Compression {
		messages = r.compress(ctx, fam, messages)
	}
	messages = truncateMessages(messages)

	score, usage, cost, evalErr := r.evaluate(ctx, fam, req, messages)
	if evalErr != nil {
		r.log.Warn("family evaluation failed, using fallback",
			slog.String("family", fam.FamilyID),
			slog.String("error", evalErr.Error()),
		)
		return r.fallbackResult(fam, "evaluation failed: "+evalErr.Error()), nil
	}

	result := r.resolve(fam, score)
	result.EvaluationCost = cost
	result.EvaluationTokens = usage

	r.toCache(ctx, fam, key, result)
	return result, nil
}

// resolve maps score onto the family's bands.
func (r *Router) resolve(fam *store.Family, score int) *RoutingResult {
	for _, band := range fam.ScoreRanges {
		if band.Contains(score) {
			reason := band.Reason
			if reason == "" {
				reason = fmt.Sprintf("complexity %d in %d..%d", score, band.MinScore, band.MaxScore)
			}
			// Provider selection stays with the selector; only the
			// fallback pins a provider.
			return &RoutingResult{
				SelectedModel:   band.TargetModel,
				ComplexityScore: score,
				Reasoning:       reason,
			}
		}
	}
	out := r.fallbackResult(fam, "no matching range")
	out.ComplexityScore = score
	return out
}

func (r *Router) fallbackResult(fam *store.Family, reason string) *RoutingResult {
	return &RoutingResult{
		SelectedModel:    fam.FallbackModel,
		SelectedProvider: fam.FallbackProvider,
		ComplexityScore:  defaultScore,
		Reasoning:        reason,
	}
}

// ── Evaluator call ────────────────────────────────────────────────────────────

func (r *Router) evaluate(ctx context.Context, fam *store.Family, req *llm.ChatRequest, messages []llm.Message) (score, tokens int, cost float64, err error) {
	variant, ad, err := r.evaluatorVariant(ctx, fam)
	if err != nil {
		return 0, 0, 0, err
	}

	timeout := defaultEvaluationTimeout
	if fam.EvaluationTimeoutMs > 0 {
		timeout = time.Duration(fam.EvaluationTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conversation, err := json.Marshal(messages)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("family: encode conversation: %w", err)
	}

	zero := 0.0
	evalMax := evaluationMaxTokens
	evalReq := &llm.ChatRequest{
		Model: fam.EvaluationModelID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: []llm.ContentPart{{Type: llm.PartText, Text: evaluationSystemPrompt}}},
			{Role: llm.RoleUser, Content: []llm.ContentPart{{Type: llm.PartText, Text: string(conversation)}}},
		},
		MaxTokens:   &evalMax,
		Temperature: &zero,
		User:        req.User,
	}

	resp, err := r.exec.Do(ctx, ad, evalReq, variant)
	if err != nil {
		return 0, 0, 0, err
	}

	score = parseScore(resp.Choices[0].Message.Content)
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	cost = evaluationCost(resp.Usage, variant)
	return score, tokens, cost, nil
}

// evaluatorVariant finds the variant configured as the family's judge.
func (r *Router) evaluatorVariant(ctx context.Context, fam *store.Family) (*store.ModelVariant, adapters.Adapter, error) {
	vs, err := r.variants.VariantsForModelID(ctx, fam.EvaluationModelID)
	if err != nil {
		return nil, nil, fmt.Errorf("family: %w", err)
	}

	var variant *store.ModelVariant
	for _, v := range vs {
		if fam.EvaluationProvider == "" || v.Provider == fam.EvaluationProvider {
			variant = v
			break
		}
	}
	if variant == nil {
		return nil, nil, fmt.Errorf("family: evaluator %s/%s not in catalog",
			fam.EvaluationProvider, fam.EvaluationModelID)
	}

	ad, err := adapters.Lookup(variant.Adapter)
	if err != nil {
		return nil, nil, fmt.Errorf("family: %w", err)
	}
	return variant, ad, nil
}

// parseScore extracts the integer score, clamped to [1,100]. Anything
// unparsable scores the midpoint.
func parseScore(text string) int {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool {
		return r < '0' || r > '9'
	})
	if len(fields) == 0 {
		return defaultScore
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return defaultScore
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

// evaluationCost prefers the upstream-reported cost, then catalog pricing,
// then a small flat charge.
func evaluationCost(usage *llm.Usage, v *store.ModelVariant) float64 {
	if usage != nil && usage.Cost > 0 {
		return usage.Cost
	}
	if usage != nil && (v.PricePerInputToken > 0 || v.PricePerOutputToken > 0) {
		return (float64(usage.PromptTokens)*v.PricePerInputToken +
			float64(usage.CompletionTokens)*v.PricePerOutputToken) / 1000
	}
	return fallbackEvaluationCost
}

// ── Compression ───────────────────────────────────────────────────────────────

// compress asks the evaluator model which messages are removable. Best
// effort: any failure returns the messages untouched.
func (r *Router) compress(ctx context.Context, fam *store.Family, messages []llm.Message) []llm.Message {
	// Nothing to prune in short conversations.
	if len(messages) <= 4 {
		return messages
	}

	variant, ad, err := r.evaluatorVariant(ctx, fam)
	if err != nil {
		return messages
	}

	type indexed struct {
		Index int    `json:"index"`
		Role  string `json:"role"`
		Text  string `json:"text"`
	}
	listing := make([]indexed, 0, len(messages))
	for i := range messages {
		listing = append(listing, indexed{Index: i, Role: messages[i].Role, Text: messages[i].Text()})
	}
	payload, err := json.Marshal(listing)
	if err != nil {
		return messages
	}

	zero := 0.0
	compressMax := 256
	resp, err := r.exec.Do(ctx, ad, &llm.ChatRequest{
		Model: fam.EvaluationModelID,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: []llm.ContentPart{{Type: llm.PartText, Text: compressionSystemPrompt}}},
			{Role: llm.RoleUser, Content: []llm.ContentPart{{Type: llm.PartText, Text: string(payload)}}},
		},
		MaxTokens:   &compressMax,
		Temperature: &zero,
	}, variant)
	if err != nil {
		r.log.Debug("message compression skipped",
			slog.String("family", fam.FamilyID),
			slog.String("error", err.Error()),
		)
		return messages
	}

	var removable []int
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(raw), &removable); err != nil {
		return messages
	}

	drop := make(map[int]bool, len(removable))
	for _, i := range removable {
		// The first message and the last three are always kept.
		if i <= 0 || i >= len(messages)-3 {
			continue
		}
		drop[i] = true
	}
	if len(drop) == 0 {
		return messages
	}

	kept := make([]llm.Message, 0, len(messages)-len(drop))
	for i := range messages {
		if !drop[i] {
			kept = append(kept, messages[i])
		}
	}
	return kept
}

// ── Truncation ────────────────────────────────────────────────────────────────

// truncateMessages bounds the conversation handed to the judge. Each
// message's text is clipped to its share of the total budget, keeping the
// head and tail around an ellipsis marker.
func truncateMessages(messages []llm.Message) []llm.Message {
	if len(messages) == 0 {
		return messages
	}

	totalBudget := maxTokensPerMessage * len(messages)
	if totalBudget > maxTotalEvalTokens {
		totalBudget = maxTotalEvalTokens
	}
	perMessageChars := totalBudget / len(messages) * charsPerToken

	out := make([]llm.Message, len(messages))
	copy(out, messages)
	for i := range out {
		// Clip on rune boundaries so multi-byte text survives the
		// re-encode into the judge prompt.
		text := []rune(out[i].Text())
		if len(text) <= perMessageChars {
			continue
		}
		head := int(float64(perMessageChars) * headShare)
		tail := perMessageChars - head
		clipped := string(text[:head]) + ellipsis + string(text[len(text)-tail:])
		out[i].Content = []llm.ContentPart{{Type: llm.PartText, Text: clipped}}
	}
	return out
}

// ── Memoization ───────────────────────────────────────────────────────────────

// routingKey hashes the routing-relevant request fields.
func routingKey(familyID string, req *llm.ChatRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(req.Messages)
	_ = enc.Encode(req.Tools)
	_ = enc.Encode(req.Temperature)
	_ = enc.Encode(req.MaxTokens)
	return "routing:" + familyID + ":" + hex.EncodeToString(h.Sum(nil))
}

func (r *Router) fromCache(ctx context.Context, fam *store.Family, key string) *RoutingResult {
	if r.cache == nil || fam.CacheDurationMinutes <= 0 {
		return nil
	}
	if r.exclusions.Matches(fam.FamilyID) {
		if r.cacheStats != nil {
			r.cacheStats.CacheGetBypass()
		}
		return nil
	}
	data, ok := r.cache.Get(ctx, key)
	if !ok {
		if r.cacheStats != nil {
			r.cacheStats.CacheGetMiss()
		}
		return nil
	}
	var result RoutingResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	if r.cacheStats != nil {
		r.cacheStats.CacheGetHit()
	}
	result.FromCache = true
	// The evaluator did not run; its cost was attributed to the request
	// that populated the cache.
	result.EvaluationCost = 0
	result.EvaluationTokens = 0
	return &result
}

func (r *Router) toCache(ctx context.Context, fam *store.Family, key string, result *RoutingResult) {
	if r.cache == nil || fam.CacheDurationMinutes <= 0 || r.exclusions.Matches(fam.FamilyID) {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	ttl := time.Duration(fam.CacheDurationMinutes) * time.Minute
	if err := r.cache.Set(ctx, key, data, ttl); err != nil {
		if r.cacheStats != nil {
			r.cacheStats.CacheSetError()
		}
		r.log.Warn("routing memoization write failed", slog.String("error", err.Error()))
		return
	}
	if r.cacheStats != nil {
		r.cacheStats.CacheSetOK()
	}
}
