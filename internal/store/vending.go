package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"aquavend/internal/common/database"
	"aquavend/internal/domain"
)

const vendingColumns = `
	id, idempotency_key, payment_id, token_id, status, attempt_count,
	request_payload, response_payload, error_message, sent_at, received_at,
	next_retry_at, created_at, updated_at`

// GetVendingRequest retrieves a vending request by idempotency key
func (s *Store) GetVendingRequest(ctx context.Context, key string) (*domain.VendingRequest, error) {
	query := `SELECT ` + vendingColumns + ` FROM vending_requests WHERE idempotency_key = $1`
	return scanVendingRequest(s.db.QueryRow(ctx, query, key))
}

// ClaimVendingRequest takes the right to call the vendor for vr's key. A new
// key is inserted with attempt_count 1. An existing key is re-armed, bumping
// attempt_count, unless it already succeeded or another attempt stamped it
// within lease. When the claim is refused the current row is returned with
// claimed false.
func (s *Store) ClaimVendingRequest(ctx context.Context, vr *domain.VendingRequest, lease time.Duration) (*domain.VendingRequest, bool, error) {
	insert := `
		INSERT INTO vending_requests (
			id, idempotency_key, payment_id, status, attempt_count,
			request_payload, sent_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 1, $5, now(), now(), now()
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + vendingColumns

	claimed, err := scanVendingRequest(s.db.QueryRow(ctx, insert,
		vr.ID,
		vr.IdempotencyKey,
		vr.PaymentID,
		domain.VendPending,
		vr.RequestPayload,
	))
	if err == nil {
		return claimed, true, nil
	}
	if !database.IsNotFound(err) {
		return nil, false, fmt.Errorf("inserting vending request: %w", err)
	}

	rearm := `
		UPDATE vending_requests
		SET status = $2,
			attempt_count = attempt_count + 1,
			payment_id = COALESCE(payment_id, $3),
			request_payload = $4,
			error_message = '',
			sent_at = now(),
			received_at = NULL,
			updated_at = now()
		WHERE idempotency_key = $1
		  AND status <> 'success'
		  AND NOT (status = 'pending' AND sent_at IS NOT NULL
		           AND sent_at > now() - make_interval(secs => $5))
		RETURNING ` + vendingColumns

	claimed, err = scanVendingRequest(s.db.QueryRow(ctx, rearm,
		vr.IdempotencyKey,
		domain.VendPending,
		vr.PaymentID,
		vr.RequestPayload,
		lease.Seconds(),
	))
	if err == nil {
		return claimed, true, nil
	}
	if !database.IsNotFound(err) {
		return nil, false, fmt.Errorf("claiming vending request: %w", err)
	}

	current, err := s.GetVendingRequest(ctx, vr.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// RecordVendResponse stores the vendor response snapshot ahead of the token
// commit, so a lost commit can be recovered without a second vend.
func (s *Store) RecordVendResponse(ctx context.Context, id string, response json.RawMessage) error {
	query := `
		UPDATE vending_requests
		SET response_payload = $2, received_at = now(), updated_at = now()
		WHERE id = $1 AND status <> 'success'
	`
	if _, err := s.db.Exec(ctx, query, id, response); err != nil {
		return fmt.Errorf("recording vend response: %w", err)
	}
	return nil
}

// CompleteVend inserts the token and marks the request successful in one
// transaction. It returns database.ErrConflict if the request already
// succeeded.
func (s *Store) CompleteVend(ctx context.Context, vendingID string, response json.RawMessage, token *domain.Token) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertToken(ctx, tx, token); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE vending_requests
			SET status = $2, token_id = $3, response_payload = $4, error_message = '',
				received_at = COALESCE(received_at, now()), updated_at = now()
			WHERE id = $1 AND status <> 'success'
		`, vendingID, domain.VendSuccess, token.ID, response)
		if err != nil {
			return fmt.Errorf("completing vending request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("vending request %s: %w", vendingID, database.ErrConflict)
		}
		return nil
	})
}

// FailVend marks a request failed with the vendor's reason
func (s *Store) FailVend(ctx context.Context, id, reason string, response json.RawMessage) error {
	query := `
		UPDATE vending_requests
		SET status = $2, error_message = $3, response_payload = $4,
			received_at = now(), updated_at = now()
		WHERE id = $1 AND status <> 'success'
	`
	if _, err := s.db.Exec(ctx, query, id, domain.VendFailed, reason, response); err != nil {
		return fmt.Errorf("failing vending request: %w", err)
	}
	return nil
}

func scanVendingRequest(row pgx.Row) (*domain.VendingRequest, error) {
	var v domain.VendingRequest
	err := row.Scan(
		&v.ID, &v.IdempotencyKey, &v.PaymentID, &v.TokenID, &v.Status, &v.AttemptCount,
		&v.RequestPayload, &v.ResponsePayload, &v.ErrorMessage, &v.SentAt, &v.ReceivedAt,
		&v.NextRetryAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning vending request: %w", err)
	}
	return &v, nil
}
