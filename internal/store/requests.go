package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// cacheHistoryWindow bounds how far back the user cache-affinity read looks.
// Prompt caches upstream expire within minutes, but a user who hit the cache
// on a variant recently is likely to keep the same conversation shape.
const cacheHistoryWindow = 30 * 24 * time.Hour

// MetricKey identifies one (provider, model_id) pair in batched reads.
type MetricKey struct {
	Provider string
	ModelID  string
}

// ProviderMetrics is the aggregate the selector scores against. Medians are
// nil when the window holds no samples.
type ProviderMetrics struct {
	ThroughputMedian *float64
	LatencyMedian    *float64
	SampleCount      int
}

// CreateRequest inserts the durable request record.
func (s *Store) CreateRequest(ctx context.Context, r *Request) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("store: create request: %w", err)
	}
	return nil
}

// CreateRequestContent inserts the raw payloads for a request. Must follow
// CreateRequest for the same request ID.
func (s *Store) CreateRequestContent(ctx context.Context, c *RequestContent) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("store: create request content: %w", err)
	}
	return nil
}

// CreateMetrics inserts the stream timing row for a request.
func (s *Store) CreateMetrics(ctx context.Context, m *Metrics) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("store: create metrics: %w", err)
	}
	return nil
}

// RequestByID loads one request row.
func (s *Store) RequestByID(ctx context.Context, id string) (*Request, error) {
	var r Request
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, fmt.Errorf("store: request %s: %w", id, err)
	}
	return &r, nil
}

// ProviderMetricsBatch returns median throughput and first-chunk latency over
// the most recent windowSize metric rows for each (provider, modelID) pair.
// Rows joined to failed requests are excluded. Every requested provider is
// present in the result; providers with no samples carry nil medians.
func (s *Store) ProviderMetricsBatch(
	ctx context.Context,
	modelID string,
	providers []string,
	windowSize int,
) (map[MetricKey]ProviderMetrics, error) {
	if windowSize <= 0 {
		windowSize = 10
	}

	out := make(map[MetricKey]ProviderMetrics, len(providers))

	type row struct {
		Throughput *float64
		Latency    *int64
	}

	for _, provider := range providers {
		var rows []row
		err := s.db.WithContext(ctx).
			Table("metrics").
			Select("metrics.throughput_tokens_per_s AS throughput, metrics.time_to_first_chunk_ms AS latency").
			Joins("JOIN requests ON requests.id = metrics.request_id").
			Where("requests.model_id = ? AND requests.provider = ? AND requests.status <> ?",
				modelID, provider, StatusError).
			Order("requests.created_at DESC").
			Limit(windowSize).
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("store: provider metrics %s/%s: %w", provider, modelID, err)
		}

		var throughputs, latencies []float64
		for _, r := range rows {
			if r.Throughput != nil {
				throughputs = append(throughputs, *r.Throughput)
			}
			if r.Latency != nil {
				latencies = append(latencies, float64(*r.Latency))
			}
		}

		out[MetricKey{Provider: provider, ModelID: modelID}] = ProviderMetrics{
			ThroughputMedian: median(throughputs),
			LatencyMedian:    median(latencies),
			SampleCount:      len(rows),
		}
	}

	return out, nil
}

// UserCacheHistoryBatch reports, per provider, whether the user has at least
// one recent request on (provider, modelID) that hit the upstream prompt
// cache (cached_tokens > 0).
func (s *Store) UserCacheHistoryBatch(
	ctx context.Context,
	userID, modelID string,
	providers []string,
) (map[MetricKey]bool, error) {
	out := make(map[MetricKey]bool, len(providers))
	since := time.Now().UTC().Add(-cacheHistoryWindow)

	for _, provider := range providers {
		var count int64
		err := s.db.WithContext(ctx).
			Model(&Request{}).
			Where("user_id = ? AND model_id = ? AND provider = ?", userID, modelID, provider).
			Where("cached_tokens > 0 AND created_at >= ?", since).
			Limit(1).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("store: cache history %s/%s: %w", provider, modelID, err)
		}
		out[MetricKey{Provider: provider, ModelID: modelID}] = count > 0
	}

	return out, nil
}

// median returns the middle value of vals, or nil when vals is empty.
// Even-length inputs average the two middle values.
func median(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	var m float64
	if len(sorted)%2 == 1 {
		m = sorted[mid]
	} else {
		m = (sorted[mid-1] + sorted[mid]) / 2
	}
	return &m
}
