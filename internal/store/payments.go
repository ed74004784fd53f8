package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"aquavend/internal/common/database"
	"aquavend/internal/domain"
)

const paymentColumns = `
	id, transaction_id, amount, paybill, account_number, phone,
	client_id, meter_id, customer_id, status, raw_payload, error_message,
	received_at, processed_at`

// PaymentFilter narrows a payment listing
type PaymentFilter struct {
	ClientID string
	Status   domain.PaymentStatus
}

// CreatePayment inserts a new payment. A duplicate transaction id returns
// database.ErrAlreadyExists.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, transaction_id, amount, paybill, account_number, phone,
			client_id, meter_id, customer_id, status, raw_payload, error_message,
			received_at, processed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID,
		p.TransactionID,
		p.Amount,
		p.Paybill,
		p.AccountNumber,
		p.Phone,
		p.ClientID,
		p.MeterID,
		p.CustomerID,
		p.Status,
		p.RawPayload,
		p.ErrorMessage,
		p.ReceivedAt,
		p.ProcessedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.TransactionID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment: %w", err)
	}
	return nil
}

// UpdatePayment persists the mutable fields of a payment
func (s *Store) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		UPDATE payments
		SET client_id = $2, meter_id = $3, customer_id = $4, status = $5,
			error_message = $6, processed_at = $7
		WHERE id = $1
	`

	tag, err := s.db.Exec(ctx, query,
		p.ID,
		p.ClientID,
		p.MeterID,
		p.CustomerID,
		p.Status,
		p.ErrorMessage,
		p.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("updating payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// GetPayment retrieves a payment by ID, optionally scoped to a client
func (s *Store) GetPayment(ctx context.Context, clientScope, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 AND ($2 = '' OR client_id = $2)`
	return scanPayment(s.db.QueryRow(ctx, query, id, clientScope))
}

// GetPaymentByTransactionID retrieves a payment by its external transaction id
func (s *Store) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, transactionID))
}

// ListPayments lists payments newest first
func (s *Store) ListPayments(ctx context.Context, filter PaymentFilter, limit, offset int) ([]*domain.Payment, int64, error) {
	where := ` WHERE ($1 = '' OR client_id = $1) AND ($2 = '' OR status = $2)`
	args := []interface{}{filter.ClientID, string(filter.Status)}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payments: %w", err)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments` + where +
		fmt.Sprintf(` ORDER BY received_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing payments: %w", err)
	}
	return payments, total, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.Amount, &p.Paybill, &p.AccountNumber, &p.Phone,
		&p.ClientID, &p.MeterID, &p.CustomerID, &p.Status, &p.RawPayload, &p.ErrorMessage,
		&p.ReceivedAt, &p.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}
	return &p, nil
}
