package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"aquavend/internal/common/database"
	"aquavend/internal/domain"
)

const tokenColumns = `
	t.id, t.token_value, t.token_type, t.meter_id, t.customer_id, t.payment_id,
	t.amount, t.units, t.is_vend_by_unit, t.status, t.issued_by, t.created_at,
	t.delivered_at, t.expires_at`

// CreateToken inserts a token issued outside the vending request flow
func (s *Store) CreateToken(ctx context.Context, token *domain.Token) error {
	return insertToken(ctx, s.db.Pool(), token)
}

// GetToken retrieves a token by ID. A non-empty clientScope restricts the
// lookup to tokens on that client's meters.
func (s *Store) GetToken(ctx context.Context, clientScope, id string) (*domain.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens t
		JOIN meters m ON m.id = t.meter_id
		WHERE t.id = $1 AND ($2 = '' OR m.client_id = $2)
	`
	return scanToken(s.db.QueryRow(ctx, query, id, clientScope))
}

// MarkTokenDelivered advances a created token to delivered. Tokens in any
// other state are left untouched.
func (s *Store) MarkTokenDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tokens SET status = $2, delivered_at = $3
		WHERE id = $1 AND status = $4
	`, id, domain.TokenDelivered, at, domain.TokenCreated)
	if err != nil {
		return fmt.Errorf("marking token delivered: %w", err)
	}
	return nil
}

func insertToken(ctx context.Context, q database.Querier, t *domain.Token) error {
	query := `
		INSERT INTO tokens (
			id, token_value, token_type, meter_id, customer_id, payment_id,
			amount, units, is_vend_by_unit, status, issued_by, created_at,
			delivered_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err := q.Exec(ctx, query,
		t.ID,
		t.TokenValue,
		t.TokenType,
		t.MeterID,
		t.CustomerID,
		t.PaymentID,
		t.Amount,
		t.Units,
		t.VendByUnit,
		t.Status,
		t.IssuedBy,
		t.CreatedAt,
		t.DeliveredAt,
		t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	err := row.Scan(
		&t.ID, &t.TokenValue, &t.TokenType, &t.MeterID, &t.CustomerID, &t.PaymentID,
		&t.Amount, &t.Units, &t.VendByUnit, &t.Status, &t.IssuedBy, &t.CreatedAt,
		&t.DeliveredAt, &t.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	return &t, nil
}
