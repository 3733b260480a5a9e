package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotReady is returned by Debit when the request is no longer in
// ready_to_compute — typically because a previous run already completed it.
// Callers treat it as "skip", not as a failure.
var ErrNotReady = errors.New("store: request is not ready_to_compute")

// ReadyRecord is one unit of accounting work: the request row joined with
// its payloads and the pricing attributes of the variant that served it.
type ReadyRecord struct {
	Request Request
	Content RequestContent

	// Variant is nil when the serving variant has been removed from the
	// catalog since the request ran; the worker then fails the record.
	Variant *ModelVariant
}

// ReadyBatch returns up to limit requests awaiting accounting, oldest first.
// Records that already carry an error message are excluded — error is
// terminal for the accounting pipeline.
func (s *Store) ReadyBatch(ctx context.Context, limit int) ([]ReadyRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var requests []Request
	err := s.db.WithContext(ctx).
		Where("status = ? AND error_message IS NULL", StatusReadyToCompute).
		Order("created_at").
		Limit(limit).
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("store: ready batch: %w", err)
	}

	out := make([]ReadyRecord, 0, len(requests))
	for _, r := range requests {
		rec := ReadyRecord{Request: r}

		if err := s.db.WithContext(ctx).
			Where("request_id = ?", r.ID).
			First(&rec.Content).Error; err != nil && err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("store: ready batch content %s: %w", r.ID, err)
		}

		var v ModelVariant
		err := s.db.WithContext(ctx).
			Where("model_id = ? AND provider = ?", r.ModelID, r.Provider).
			First(&v).Error
		switch {
		case err == nil:
			rec.Variant = &v
		case err == gorm.ErrRecordNotFound:
			// leave Variant nil
		default:
			return nil, fmt.Errorf("store: ready batch variant %s: %w", r.ID, err)
		}

		out = append(out, rec)
	}

	return out, nil
}

// SetRequestTokens writes tokenized counts back to the request row.
func (s *Store) SetRequestTokens(ctx context.Context, requestID string, input, output int) error {
	err := s.db.WithContext(ctx).
		Model(&Request{}).
		Where("id = ?", requestID).
		Updates(map[string]any{
			"input_tokens":  input,
			"output_tokens": output,
		}).Error
	if err != nil {
		return fmt.Errorf("store: set tokens %s: %w", requestID, err)
	}
	return nil
}

// Debit atomically books the cost of a request: it inserts a debit
// transaction, decrements the user's wallet, and transitions the request to
// completed — all in one database transaction.
//
// The status update is conditional on the request still being
// ready_to_compute, which makes retries idempotent: a record completed by an
// earlier run returns ErrNotReady and nothing is written.
func (s *Store) Debit(ctx context.Context, requestID, userID string, amount float64) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("store: debit amount must be >= 0, got %f", amount)
	}

	txnID := uuid.New().String()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Request{}).
			Where("id = ? AND status = ?", requestID, StatusReadyToCompute).
			Updates(map[string]any{
				"status":         StatusCompleted,
				"transaction_id": txnID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotReady
		}

		if err := tx.Create(&Transaction{
			ID:        txnID,
			UserID:    userID,
			Amount:    amount,
			Type:      TxnDebit,
			RequestID: requestID,
			CreatedAt: time.Now().UTC(),
		}).Error; err != nil {
			return err
		}

		// Upsert the wallet row: decrement when present, create a negative
		// balance otherwise so the debt is visible.
		res = tx.Model(&Wallet{}).
			Where("user_id = ?", userID).
			Update("balance", gorm.Expr("balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&Wallet{UserID: userID, Balance: -amount}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return "", ErrNotReady
		}
		return "", fmt.Errorf("store: debit %s: %w", requestID, err)
	}

	return txnID, nil
}

// FailRequest transitions a ready_to_compute request to error with the given
// reason. Completed requests are left untouched — error only supersedes the
// pending state.
func (s *Store) FailRequest(ctx context.Context, requestID, reason string) error {
	err := s.db.WithContext(ctx).
		Model(&Request{}).
		Where("id = ? AND status = ?", requestID, StatusReadyToCompute).
		Updates(map[string]any{
			"status":        StatusError,
			"error_message": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("store: fail request %s: %w", requestID, err)
	}
	return nil
}
