// Package catalog caches the set of model variants and family configs in
// process with a TTL.
//
// The snapshot is read-mostly: every request consults it for variant lookup
// and family detection, while reloads happen at most once per TTL (or on an
// explicit Invalidate, typically driven by the registry webhook). Reloads
// replace the whole snapshot under a write lock — variants are never mutated
// in place.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/llm-gateway/internal/store"
)

// DefaultTTL is how long a snapshot is served before the next access
// triggers a reload.
const DefaultTTL = 5 * time.Minute

// Registry is the read surface the catalog needs from the store.
type Registry interface {
	Models(ctx context.Context) ([]store.ModelVariant, error)
	Families(ctx context.Context) ([]store.Family, error)
}

// Catalog owns the in-process snapshot of variants and families.
type Catalog struct {
	reg Registry
	ttl time.Duration
	log *slog.Logger

	mu       sync.RWMutex
	snap     *snapshot
	loadedAt time.Time
}

// snapshot is an immutable view of the registry. Lookup maps index the same
// backing slice.
type snapshot struct {
	variants []store.ModelVariant

	byModelID         map[string][]*store.ModelVariant
	byProviderModelID map[string][]*store.ModelVariant
	byProvider        map[string][]*store.ModelVariant

	families map[string]*store.Family
}

// New creates a Catalog. A ttl of zero uses DefaultTTL.
func New(reg Registry, ttl time.Duration, log *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{reg: reg, ttl: ttl, log: log}
}

// AllVariants returns every enabled variant in the current snapshot.
func (c *Catalog) AllVariants(ctx context.Context) ([]store.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.variants, nil
}

// VariantsForModelID returns the variants matching id. Callers may send
// either the caller-facing model_id or the upstream provider_model_id; the
// former wins when both match.
func (c *Catalog) VariantsForModelID(ctx context.Context, id string) ([]*store.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if vs := snap.byModelID[id]; len(vs) > 0 {
		return vs, nil
	}
	return snap.byProviderModelID[id], nil
}

// VariantsByProvider returns every variant served by the named provider.
func (c *Catalog) VariantsByProvider(ctx context.Context, provider string) ([]*store.ModelVariant, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byProvider[provider], nil
}

// FamilyFor returns the family config whose family_id equals id, or false
// when id is a concrete model.
func (c *Catalog) FamilyFor(ctx context.Context, id string) (*store.Family, bool, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, false, err
	}
	f, ok := snap.families[id]
	return f, ok, nil
}

// Invalidate drops the current snapshot; the next access reloads.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// current returns a fresh-enough snapshot, reloading when stale. A stale
// snapshot is kept serving if the reload fails — availability over freshness.
func (c *Catalog) current(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap, loadedAt := c.snap, c.loadedAt
	c.mu.RUnlock()

	if snap != nil && time.Since(loadedAt) < c.ttl {
		return snap, nil
	}

	fresh, err := c.load(ctx)
	if err != nil {
		if snap != nil {
			c.log.Warn("catalog reload failed, serving stale snapshot",
				slog.String("error", err.Error()),
				slog.Duration("age", time.Since(loadedAt)),
			)
			return snap, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.snap = fresh
	c.loadedAt = time.Now()
	c.mu.Unlock()

	return fresh, nil
}

func (c *Catalog) load(ctx context.Context) (*snapshot, error) {
	variants, err := c.reg.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	families, err := c.reg.Families(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	snap := &snapshot{
		variants:          variants,
		byModelID:         make(map[string][]*store.ModelVariant),
		byProviderModelID: make(map[string][]*store.ModelVariant),
		byProvider:        make(map[string][]*store.ModelVariant),
		families:          make(map[string]*store.Family),
	}

	for i := range variants {
		v := &variants[i]
		snap.byModelID[v.ModelID] = append(snap.byModelID[v.ModelID], v)
		if v.ProviderModelID != "" && v.ProviderModelID != v.ModelID {
			snap.byProviderModelID[v.ProviderModelID] = append(snap.byProviderModelID[v.ProviderModelID], v)
		}
		snap.byProvider[v.Provider] = append(snap.byProvider[v.Provider], v)
	}

	for i := range families {
		f := &families[i]
		if err := validateRanges(f.ScoreRanges, c.log, f.FamilyID); err != nil {
			c.log.Error("family rejected",
				slog.String("family", f.FamilyID),
				slog.String("error", err.Error()),
			)
			continue
		}
		snap.families[f.FamilyID] = f
	}

	c.log.Debug("catalog loaded",
		slog.Int("variants", len(variants)),
		slog.Int("families", len(snap.families)),
	)

	return snap, nil
}

// validateRanges rejects overlapping score bands. Gaps are tolerated — the
// router falls through to the family's fallback model — but logged once at
// load time so operators notice.
func validateRanges(ranges store.ScoreRanges, log *slog.Logger, familyID string) error {
	if len(ranges) == 0 {
		return fmt.Errorf("no score ranges configured")
	}

	sorted := make(store.ScoreRanges, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore < sorted[j].MinScore })

	for i, r := range sorted {
		if r.MinScore > r.MaxScore {
			return fmt.Errorf("range %d..%d is inverted", r.MinScore, r.MaxScore)
		}
		if r.TargetModel == "" {
			return fmt.Errorf("range %d..%d has no target model", r.MinScore, r.MaxScore)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if r.MinScore <= prev.MaxScore {
			return fmt.Errorf("ranges %d..%d and %d..%d overlap",
				prev.MinScore, prev.MaxScore, r.MinScore, r.MaxScore)
		}
		if r.MinScore > prev.MaxScore+1 {
			log.Warn("family score ranges have a gap",
				slog.String("family", familyID),
				slog.Int("gap_from", prev.MaxScore+1),
				slog.Int("gap_to", r.MinScore-1),
			)
		}
	}

	if sorted[0].MinScore > 1 || sorted[len(sorted)-1].MaxScore < 100 {
		log.Warn("family score ranges do not cover 1..100",
			slog.String("family", familyID),
			slog.Int("min", sorted[0].MinScore),
			slog.Int("max", sorted[len(sorted)-1].MaxScore),
		)
	}

	return nil
}
