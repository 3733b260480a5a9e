// Package selector ranks the candidate variants for one request.
//
// Selection is a pure read path: capability filters narrow the variant set,
// one batched metrics read and one batched cache-history read feed the 3-D
// score (price, throughput, latency), and the result is a total order the
// orchestrator walks during fallback. The selector never executes a request.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/relayforge/llm-gateway/internal/llm"
	"github.com/relayforge/llm-gateway/internal/store"
)

const (
	// DefaultRatioSP balances price against speed when the caller sends no
	// X-Price-Performance-Ratio header. 0 is pure economy, 100 pure speed.
	DefaultRatioSP = 50

	// DefaultMetricsWindow is how many recent metric rows feed each median.
	DefaultMetricsWindow = 10

	// neutralNorm stands in for a normalized axis with no samples.
	neutralNorm = 0.5

	// cacheScoreMultiplier shrinks the vector distance of cache-affine
	// variants. The cache-first sort tie-break already dominates ordering;
	// the multiplier only orders variants within the cache-affine subset.
	cacheScoreMultiplier = 0.5
)

// MetricsReader is the batched read surface the selector needs from the
// store. *store.Store implements it; tests substitute fixtures.
type MetricsReader interface {
	ProviderMetricsBatch(ctx context.Context, modelID string, providers []string, windowSize int) (map[store.MetricKey]store.ProviderMetrics, error)
	UserCacheHistoryBatch(ctx context.Context, userID, modelID string, providers []string) (map[store.MetricKey]bool, error)
}

// VariantSource is the catalog lookup the selector depends on.
type VariantSource interface {
	VariantsForModelID(ctx context.Context, id string) ([]*store.ModelVariant, error)
}

// Options tunes one selection call.
type Options struct {
	// RatioSP is the price/performance ratio in [0,100]. 0 is pure
	// economy; values outside the range fall back to DefaultRatioSP.
	RatioSP int

	// MetricsWindow is the median window size; 0 uses the default.
	MetricsWindow int

	// Providers restricts candidates to the named providers when non-empty.
	Providers []string
}

// Candidate is one ranked variant.
type Candidate struct {
	Variant *store.ModelVariant

	// Score is the 3-D distance to the optimal point; lower is better.
	Score float64

	// CacheAffinity marks variants expected to hit the upstream prompt
	// cache for this user. Cache-affine candidates sort strictly first.
	CacheAffinity bool
}

// Exclusion records why one variant was filtered out. Surfaced in the
// NoCandidatesError diagnostic.
type Exclusion struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
	Reason   string `json:"reason"`
}

// NoCandidatesError reports that every variant was eliminated, and by what.
type NoCandidatesError struct {
	ModelID    string      `json:"model_id"`
	Exclusions []Exclusion `json:"exclusions,omitempty"`
}

// Error implements error.
func (e *NoCandidatesError) Error() string {
	if len(e.Exclusions) == 0 {
		return fmt.Sprintf("no providers found for model %q", e.ModelID)
	}
	parts := make([]string, 0, len(e.Exclusions))
	for _, x := range e.Exclusions {
		parts = append(parts, fmt.Sprintf("%s: %s", x.Provider, x.Reason))
	}
	return fmt.Sprintf("no eligible providers for model %q (%s)", e.ModelID, strings.Join(parts, "; "))
}

// HTTPStatus implements the status coder consumed by the HTTP boundary.
func (e *NoCandidatesError) HTTPStatus() int { return 400 }

// Selector ranks variants for requests.
type Selector struct {
	variants VariantSource
	metrics  MetricsReader
	log      *slog.Logger
}

// New creates a Selector.
func New(variants VariantSource, metrics MetricsReader, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{variants: variants, metrics: metrics, log: log}
}

// Select returns the ordered candidate set for req on behalf of userID.
// The order is deterministic for a fixed variant set and fixed metrics.
func (s *Selector) Select(ctx context.Context, req *llm.ChatRequest, userID string, opts Options) ([]Candidate, error) {
	if req.Model == "" {
		return nil, &NoCandidatesError{ModelID: "", Exclusions: []Exclusion{
			{Reason: "request has no model"},
		}}
	}

	variants, err := s.variants.VariantsForModelID(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	if len(variants) == 0 {
		return nil, &NoCandidatesError{ModelID: req.Model}
	}

	survivors, exclusions := filterCapabilities(req, variants, opts.Providers)
	if len(survivors) == 0 {
		return nil, &NoCandidatesError{ModelID: req.Model, Exclusions: exclusions}
	}

	// Deterministic base order before scoring so equal scores tie-break
	// stably by provider.
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].Provider < survivors[j].Provider
	})

	window := opts.MetricsWindow
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	ratio := opts.RatioSP
	if ratio < 0 || ratio > 100 {
		ratio = DefaultRatioSP
	}

	providers := make([]string, 0, len(survivors))
	for _, v := range survivors {
		providers = append(providers, v.Provider)
	}

	modelID := survivors[0].ModelID
	metrics, err := s.metrics.ProviderMetricsBatch(ctx, modelID, providers, window)
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}

	affinity, err := s.cacheAffinity(ctx, userID, modelID, survivors)
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}

	candidates := score(survivors, metrics, affinity, float64(ratio)/100)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].CacheAffinity != candidates[j].CacheAffinity {
			return candidates[i].CacheAffinity
		}
		return candidates[i].Score < candidates[j].Score
	})

	return candidates, nil
}

// cacheAffinity resolves which survivors are expected to hit the upstream
// prompt cache. When the user has no cache history at all, every
// cache-capable variant counts as potentially cacheable. The history read is
// skipped entirely when no survivor supports caching.
func (s *Selector) cacheAffinity(ctx context.Context, userID, modelID string, survivors []*store.ModelVariant) (map[store.MetricKey]bool, error) {
	capable := 0
	for _, v := range survivors {
		if v.SupportsInputCache {
			capable++
		}
	}
	if capable == 0 || userID == "" {
		return nil, nil
	}

	providers := make([]string, 0, len(survivors))
	for _, v := range survivors {
		providers = append(providers, v.Provider)
	}

	history, err := s.metrics.UserCacheHistoryBatch(ctx, userID, modelID, providers)
	if err != nil {
		return nil, err
	}

	anyHistory := false
	for _, hit := range history {
		if hit {
			anyHistory = true
			break
		}
	}

	out := make(map[store.MetricKey]bool, len(survivors))
	for _, v := range survivors {
		if !v.SupportsInputCache {
			continue
		}
		key := store.MetricKey{Provider: v.Provider, ModelID: v.ModelID}
		if anyHistory {
			out[key] = history[key]
		} else {
			// No history yet: any cache-capable variant may seed the cache.
			out[key] = true
		}
	}
	return out, nil
}

// ── Capability filter ─────────────────────────────────────────────────────────

func filterCapabilities(req *llm.ChatRequest, variants []*store.ModelVariant, whitelist []string) ([]*store.ModelVariant, []Exclusion) {
	needTools := len(req.Tools) > 0
	needVision := req.HasImages()
	estimated := req.EstimateTokens()

	allowed := map[string]bool{}
	for _, p := range whitelist {
		allowed[p] = true
	}

	var (
		survivors  []*store.ModelVariant
		exclusions []Exclusion
	)
	for _, v := range variants {
		if reason := excludeReason(v, needTools, needVision, estimated, allowed); reason != "" {
			exclusions = append(exclusions, Exclusion{
				Provider: v.Provider,
				ModelID:  v.ModelID,
				Reason:   reason,
			})
			continue
		}
		survivors = append(survivors, v)
	}
	return survivors, exclusions
}

func excludeReason(v *store.ModelVariant, needTools, needVision bool, estimated int, allowed map[string]bool) string {
	if len(allowed) > 0 && !allowed[v.Provider] {
		return "not in requested provider list"
	}
	if needTools && !v.SupportsToolCalling {
		return "no tool calling"
	}
	if needVision && !v.SupportsVision {
		return "no vision support"
	}
	if v.ContextWindow != nil && estimated > *v.ContextWindow {
		return fmt.Sprintf("context window %d below estimated %d tokens", *v.ContextWindow, estimated)
	}
	return ""
}

// ── Scoring ───────────────────────────────────────────────────────────────────

// score computes the 3-D distance of every survivor to the optimal point
// (1−r, r, r). Normalization bounds span the surviving set only.
func score(survivors []*store.ModelVariant, metrics map[store.MetricKey]store.ProviderMetrics, affinity map[store.MetricKey]bool, r float64) []Candidate {
	var (
		minPrice, maxPrice = math.Inf(1), math.Inf(-1)
		minT, maxT         = math.Inf(1), math.Inf(-1)
		minL, maxL         = math.Inf(1), math.Inf(-1)
	)
	for _, v := range survivors {
		price := v.TotalPrice()
		minPrice = math.Min(minPrice, price)
		maxPrice = math.Max(maxPrice, price)

		m := metrics[store.MetricKey{Provider: v.Provider, ModelID: v.ModelID}]
		if m.ThroughputMedian != nil {
			minT = math.Min(minT, *m.ThroughputMedian)
			maxT = math.Max(maxT, *m.ThroughputMedian)
		}
		if m.LatencyMedian != nil {
			minL = math.Min(minL, *m.LatencyMedian)
			maxL = math.Max(maxL, *m.LatencyMedian)
		}
	}

	pOpt, tOpt, lOpt := 1-r, r, r

	out := make([]Candidate, 0, len(survivors))
	for _, v := range survivors {
		key := store.MetricKey{Provider: v.Provider, ModelID: v.ModelID}
		m := metrics[key]

		// Inverted so higher means cheaper.
		pNorm := 1 - normalize(v.TotalPrice(), minPrice, maxPrice, 1)

		tNorm := neutralNorm
		if m.ThroughputMedian != nil {
			tNorm = normalize(*m.ThroughputMedian, minT, maxT, neutralNorm)
		}

		lNorm := neutralNorm
		if m.LatencyMedian != nil {
			// Inverted so higher means faster.
			lNorm = 1 - normalize(*m.LatencyMedian, minL, maxL, 1-neutralNorm)
		}

		d := math.Sqrt(
			(pNorm-pOpt)*(pNorm-pOpt) +
				(tNorm-tOpt)*(tNorm-tOpt) +
				(lNorm-lOpt)*(lNorm-lOpt),
		)

		hasAffinity := affinity[key]
		if hasAffinity {
			d *= cacheScoreMultiplier
		}

		out = append(out, Candidate{Variant: v, Score: d, CacheAffinity: hasAffinity})
	}
	return out
}

// normalize maps val into [0,1] over [min,max]; degenerate ranges return def.
func normalize(val, min, max, def float64) float64 {
	if math.IsInf(min, 1) || max-min == 0 {
		return def
	}
	return (val - min) / (max - min)
}
