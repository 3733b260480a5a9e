// Package store is the relational persistence layer of the gateway.
//
// It owns the eight tables the gateway reads and writes — models, family,
// requests, requests_content, metrics, transactions, api_keys, and wallet —
// behind a small query surface. Large payloads (request and response JSON)
// live in requests_content, split from requests so selection and accounting
// scans never load them.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Request status values. These strings are persisted — never rename them.
const (
	StatusReadyToCompute = "ready_to_compute"
	StatusCompleted      = "completed"
	StatusError          = "error"
)

// Transaction types.
const (
	TxnDebit  = "debit"
	TxnCredit = "credit"
)

// Pricing methods. The method selects the cached-token formula applied by the
// accounting worker (see accounting.Calculate).
const (
	PricingStandard       = "standard"
	PricingAnthropicCache = "anthropic_cache"
	PricingOpenAICache50  = "openai_cache_50"
	PricingOpenAICache75  = "openai_cache_75"
	PricingDeepSeekCache  = "deepseek_cache"
	PricingGoogleCache    = "google_cache"
	PricingGoogleImplicit = "google_implicit"
	PricingGoogleExplicit = "google_explicit"
	PricingBedrockCache   = "bedrock_cache"
)

// JSONMap is an opaque string-keyed map stored as a JSON column. It carries
// adapter-specific parameters (extra request fields, API versions) that the
// core never interprets.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("store: cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// ModelVariant is one concrete (provider, model_id) deployment. Populated
// from the models table, cached by the catalog, never mutated by the core.
type ModelVariant struct {
	ID uint `gorm:"primaryKey"`

	// ModelID is the caller-facing identifier; may contain "/".
	ModelID  string `gorm:"column:model_id;uniqueIndex:idx_models_model_provider;size:255"`
	Provider string `gorm:"uniqueIndex:idx_models_model_provider;size:64"`

	// ProviderModelID is the string the upstream expects.
	ProviderModelID string `gorm:"size:255"`

	// Adapter names the wire dialect (see internal/adapters).
	Adapter string `gorm:"size:32"`

	BaseURL string `gorm:"size:512"`

	// APIKeyRef names the environment variable holding the secret.
	// The secret itself is never persisted or logged.
	APIKeyRef string `gorm:"size:128"`

	// ExtraParams is passed opaquely to the adapter.
	ExtraParams JSONMap `gorm:"type:text"`

	// ContextWindow is the maximum input token budget; nil means unlimited.
	ContextWindow *int

	SupportsToolCalling bool
	SupportsVision      bool
	SupportsInputCache  bool

	// Prices are USD per 1000 tokens.
	PricePerInputToken  float64
	PricePerOutputToken float64

	PricingMethod string `gorm:"size:32;default:standard"`
	TokenizerName string `gorm:"size:64"`

	Enabled bool `gorm:"default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler.
func (ModelVariant) TableName() string { return "models" }

// TotalPrice is the combined per-1k price used by the selector's price axis.
func (v *ModelVariant) TotalPrice() float64 {
	return v.PricePerInputToken + v.PricePerOutputToken
}

// ScoreRange maps a complexity score interval to a concrete target model.
type ScoreRange struct {
	MinScore    int    `json:"min_score"`
	MaxScore    int    `json:"max_score"`
	TargetModel string `json:"target_model"`
	Reason      string `json:"reason"`
}

// Contains reports whether score falls inside the inclusive interval.
func (r ScoreRange) Contains(score int) bool {
	return score >= r.MinScore && score <= r.MaxScore
}

// ScoreRanges is the ordered list of score bands, stored as JSON.
type ScoreRanges []ScoreRange

// Value implements driver.Valuer.
func (s ScoreRanges) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *ScoreRanges) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("store: cannot scan %T into ScoreRanges", src)
	}
	return json.Unmarshal(data, s)
}

// Family is a synthetic model_id resolved at request time by the family
// router: a cheap evaluator scores the request 1–100 and the score band
// selects the concrete model.
type Family struct {
	FamilyID string `gorm:"primaryKey;column:family_id;size:255"`

	EvaluationModelID  string `gorm:"size:255"`
	EvaluationProvider string `gorm:"size:64"`

	// ScoreRanges must cover 1..100 without overlap. Overlaps reject the
	// family on catalog load; gaps are tolerated and fall through to the
	// fallback model.
	ScoreRanges ScoreRanges `gorm:"type:text"`

	FallbackModel    string `gorm:"size:255"`
	FallbackProvider string `gorm:"size:64"`

	CacheDurationMinutes int
	EvaluationTimeoutMs  int

	Enabled bool `gorm:"default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler.
func (Family) TableName() string { return "family" }

// Request is the durable record of one gateway request. Created by the
// orchestrator with status ready_to_compute (or error); the accounting worker
// owns the record from then on and transitions it to completed or error.
type Request struct {
	ID string `gorm:"primaryKey;size:36"`

	UserID     string `gorm:"index;size:64"`
	APIKeyName string `gorm:"size:128"`

	Provider string `gorm:"size:64"`
	ModelID  string `gorm:"column:model_id;size:255"`

	CreatedAt time.Time `gorm:"index"`
	Streaming bool

	Status string `gorm:"index;size:24"`

	// Token counts are nil until the accounting worker tokenizes the
	// payloads (or the upstream reported usage directly).
	InputTokens  *int
	OutputTokens *int

	// CachedTokens nil means "unknown" and forces standard pricing.
	CachedTokens *int

	// EvaluationCost is the USD cost of the family-router evaluator call
	// attributed to this request; zero when no family routing happened.
	EvaluationCost float64

	TransactionID *string `gorm:"size:36"`
	ErrorMessage  *string `gorm:"type:text"`
}

// TableName implements gorm's Tabler.
func (Request) TableName() string { return "requests" }

// RequestContent holds the raw request payload and the reconstructed
// response payload. Keyed 1:1 by request ID.
type RequestContent struct {
	RequestID    string `gorm:"primaryKey;size:36"`
	RequestBody  string `gorm:"type:text"`
	ResponseBody string `gorm:"type:text"`
}

// TableName implements gorm's Tabler.
func (RequestContent) TableName() string { return "requests_content" }

// Metrics carries per-request stream timings; written for streaming requests
// only. Throughput is computed when every duration and the output token count
// are known.
type Metrics struct {
	RequestID string `gorm:"primaryKey;size:36"`

	TotalDurationMs      int64
	TimeToFirstChunkMs   *int64
	DtFirstLastChunkMs   *int64
	ThroughputTokensPerS *float64
	IsMetricsCalculated  bool
}

// TableName implements gorm's Tabler.
func (Metrics) TableName() string { return "metrics" }

// Transaction is one wallet movement. Amount is always ≥ 0; Type says which
// direction it moves.
type Transaction struct {
	ID        string  `gorm:"primaryKey;size:36"`
	UserID    string  `gorm:"index;size:64"`
	Amount    float64 // USD, ≥ 0
	Type      string  `gorm:"size:8"`
	RequestID string  `gorm:"index;size:36"`
	CreatedAt time.Time
}

// TableName implements gorm's Tabler.
func (Transaction) TableName() string { return "transactions" }

// APIKey is a gateway credential. Only the SHA-256 digest of the key is
// stored; auth middleware matches digests.
type APIKey struct {
	Name       string `gorm:"primaryKey;size:128"`
	UserID     string `gorm:"index;size:64"`
	KeyHash    string `gorm:"uniqueIndex;size:64"`
	Disabled   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// TableName implements gorm's Tabler.
func (APIKey) TableName() string { return "api_keys" }

// Wallet holds a user's prepaid balance in USD.
type Wallet struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Balance   float64
	UpdatedAt time.Time
}

// TableName implements gorm's Tabler.
func (Wallet) TableName() string { return "wallet" }
