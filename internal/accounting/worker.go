// Package accounting drains completed requests into wallet debits.
//
// The serving path persists requests in ready_to_compute and never touches
// money. This worker owns the rest: it tokenizes payloads when the upstream
// reported no usage, prices the request with the variant's cached-token
// method, books a debit transaction, and transitions the record to completed
// (or error). One instance runs per gateway process; a concurrent invocation
// is refused with ErrBusy rather than serialized.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relayforge/llm-gateway/internal/store"
)

const (
	// DefaultBatchSize bounds one ProcessReady invocation.
	DefaultBatchSize = 50

	// DefaultTimeLimit is the soft deadline checked between records.
	DefaultTimeLimit = 30 * time.Second

	// DefaultInterval paces the background scheduler.
	DefaultInterval = 60 * time.Second
)

// ErrBusy signals that a ProcessReady run is already in flight.
var ErrBusy = errors.New("accounting: processing already in progress")

// Ledger is the store surface the worker needs. *store.Store implements it.
type Ledger interface {
	ReadyBatch(ctx context.Context, limit int) ([]store.ReadyRecord, error)
	SetRequestTokens(ctx context.Context, requestID string, input, output int) error
	Debit(ctx context.Context, requestID, userID string, amount float64) (string, error)
	FailRequest(ctx context.Context, requestID, reason string) error
}

// Stats summarizes one ProcessReady run.
type Stats struct {
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration_ms"`
}

// Worker is the accounting processor.
type Worker struct {
	ledger Ledger
	log    *slog.Logger

	busy atomic.Bool

	totalProcessed atomic.Int64
	totalErrors    atomic.Int64
	lastRun        atomic.Int64 // unix seconds
}

// New creates a Worker.
func New(ledger Ledger, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{ledger: ledger, log: log}
}

// ProcessReady drains up to batchSize ready records. timeLimit is a soft
// deadline checked between records; zero values use the defaults. Returns
// ErrBusy when another run holds the instance flag.
func (w *Worker) ProcessReady(ctx context.Context, batchSize int, timeLimit time.Duration) (Stats, error) {
	if !w.busy.CompareAndSwap(false, true) {
		return Stats{}, ErrBusy
	}
	defer w.busy.Store(false)

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if timeLimit <= 0 {
		timeLimit = DefaultTimeLimit
	}

	start := time.Now()
	defer func() { w.lastRun.Store(time.Now().Unix()) }()

	records, err := w.ledger.ReadyBatch(ctx, batchSize)
	if err != nil {
		return Stats{Duration: time.Since(start)}, err
	}

	var stats Stats
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if time.Since(start) > timeLimit {
			w.log.Info("accounting time limit reached",
				slog.Int("processed", stats.Processed),
				slog.Int("remaining", len(records)-stats.Processed-stats.Errors),
			)
			break
		}

		if err := w.process(ctx, rec); err != nil {
			if errors.Is(err, store.ErrNotReady) {
				continue // completed by an earlier run
			}
			stats.Errors++
			w.totalErrors.Add(1)
			w.fail(ctx, rec.Request.ID, err)
			continue
		}
		stats.Processed++
		w.totalProcessed.Add(1)
	}

	stats.Duration = time.Since(start)
	w.log.Info("accounting run finished",
		slog.Int("processed", stats.Processed),
		slog.Int("errors", stats.Errors),
		slog.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// process handles a single record: tokenize, price, debit.
func (w *Worker) process(ctx context.Context, rec store.ReadyRecord) error {
	req := rec.Request

	if rec.Variant == nil {
		return fmt.Errorf("model variant %s/%s no longer in catalog", req.Provider, req.ModelID)
	}
	v := rec.Variant

	input, output, err := w.resolveTokens(ctx, rec)
	if err != nil {
		return err
	}

	// NULL cached_tokens means the upstream never reported a cache split;
	// the variant's cache method cannot apply.
	method := v.PricingMethod
	cached := 0
	if req.CachedTokens == nil {
		method = store.PricingStandard
	} else {
		cached = *req.CachedTokens
	}

	cost, err := Calculate(method, input, output, cached, v.PricePerInputToken, v.PricePerOutputToken)
	if err != nil && method != store.PricingStandard {
		w.log.Warn("pricing method failed, falling back to standard",
			slog.String("request_id", req.ID),
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		cost, err = Calculate(store.PricingStandard, input, output, 0, v.PricePerInputToken, v.PricePerOutputToken)
	}
	if err != nil {
		return fmt.Errorf("pricing failed: %w", err)
	}

	cost += req.EvaluationCost

	txnID, err := w.ledger.Debit(ctx, req.ID, req.UserID, cost)
	if err != nil {
		return err
	}

	w.log.Debug("request accounted",
		slog.String("request_id", req.ID),
		slog.String("transaction_id", txnID),
		slog.Float64("cost", cost),
		slog.Int("input_tokens", input),
		slog.Int("output_tokens", output),
		slog.Int("cached_tokens", cached),
	)
	return nil
}

// resolveTokens returns the request's token counts, tokenizing the stored
// payloads when the upstream reported no usage.
func (w *Worker) resolveTokens(ctx context.Context, rec store.ReadyRecord) (input, output int, err error) {
	req := rec.Request
	if req.InputTokens != nil && req.OutputTokens != nil {
		return *req.InputTokens, *req.OutputTokens, nil
	}

	encoding := rec.Variant.TokenizerName

	if req.InputTokens != nil {
		input = *req.InputTokens
	} else if input, err = CountTokens(encoding, rec.Content.RequestBody); err != nil {
		return 0, 0, fmt.Errorf("tokenize request: %w", err)
	}

	if req.OutputTokens != nil {
		output = *req.OutputTokens
	} else if output, err = CountTokens(encoding, rec.Content.ResponseBody); err != nil {
		return 0, 0, fmt.Errorf("tokenize response: %w", err)
	}

	if err := w.ledger.SetRequestTokens(ctx, req.ID, input, output); err != nil {
		return 0, 0, err
	}
	return input, output, nil
}

// fail moves a record to error. The write itself is best effort; a failure
// leaves the record ready and a later run retries it.
func (w *Worker) fail(ctx context.Context, requestID string, cause error) {
	w.log.Error("accounting record failed",
		slog.String("request_id", requestID),
		slog.String("error", cause.Error()),
	)
	if err := w.ledger.FailRequest(ctx, requestID, cause.Error()); err != nil {
		w.log.Error("could not mark request as failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// ── Scheduler and status ──────────────────────────────────────────────────────

// Run invokes ProcessReady on a ticker until ctx is cancelled. An interval
// of zero uses DefaultInterval; batchSize and timeLimit fall back the same
// way ProcessReady's arguments do. Webhook-triggered runs share the instance
// flag with the scheduler; overlap resolves to ErrBusy and is skipped.
func (w *Worker) Run(ctx context.Context, interval time.Duration, batchSize int, timeLimit time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessReady(ctx, batchSize, timeLimit); err != nil && !errors.Is(err, ErrBusy) {
				w.log.Error("scheduled accounting run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Status is the counters block served by the status endpoint.
type Status struct {
	Busy           bool  `json:"busy"`
	TotalProcessed int64 `json:"total_processed"`
	TotalErrors    int64 `json:"total_errors"`
	LastRunUnix    int64 `json:"last_run_unix,omitempty"`
}

// Status returns a snapshot of the worker's counters.
func (w *Worker) Status() Status {
	return Status{
		Busy:           w.busy.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		LastRunUnix:    w.lastRun.Load(),
	}
}
