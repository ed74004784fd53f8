package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"aquavend/internal/common/database"
	"aquavend/internal/domain"
)

const clientColumns = `
	id, name, paybill_number, stronpower_company_name, stronpower_username,
	stronpower_password, is_active, created_at`

const meterColumns = `m.id, m.client_id, m.meter_id, m.status, m.location, m.created_at`

const customerColumns = `c.id, c.client_id, c.customer_id, c.name, c.phone, c.email, c.created_at`

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`
	return scanClient(s.db.QueryRow(ctx, query, id))
}

// GetClientByPaybill retrieves the active client that owns a paybill number
func (s *Store) GetClientByPaybill(ctx context.Context, paybill string) (*domain.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE paybill_number = $1 AND is_active`
	return scanClient(s.db.QueryRow(ctx, query, paybill))
}

// GetMeter retrieves a meter by ID. A non-empty clientScope restricts the
// lookup to that client's meters.
func (s *Store) GetMeter(ctx context.Context, clientScope, id string) (*domain.Meter, error) {
	query := `
		SELECT ` + meterColumns + `
		FROM meters m
		WHERE m.id = $1 AND ($2 = '' OR m.client_id = $2)
	`
	return scanMeter(s.db.QueryRow(ctx, query, id, clientScope))
}

// GetMeterForClient retrieves a client's meter by its vendor serial
func (s *Store) GetMeterForClient(ctx context.Context, clientID, meterNumber string) (*domain.Meter, error) {
	query := `
		SELECT ` + meterColumns + `
		FROM meters m
		WHERE m.client_id = $1 AND m.meter_id = $2
	`
	return scanMeter(s.db.QueryRow(ctx, query, clientID, meterNumber))
}

// GetMeterByNumber retrieves any client's meter by its vendor serial. The
// oldest match wins when serials collide across clients.
func (s *Store) GetMeterByNumber(ctx context.Context, meterNumber string) (*domain.Meter, error) {
	query := `
		SELECT ` + meterColumns + `
		FROM meters m
		WHERE m.meter_id = $1
		ORDER BY m.created_at
		LIMIT 1
	`
	return scanMeter(s.db.QueryRow(ctx, query, meterNumber))
}

// GetCustomer retrieves a customer by ID, optionally scoped to a client
func (s *Store) GetCustomer(ctx context.Context, clientScope, id string) (*domain.Customer, error) {
	query := `
		SELECT ` + customerColumns + `
		FROM customers c
		WHERE c.id = $1 AND ($2 = '' OR c.client_id = $2)
	`
	return scanCustomer(s.db.QueryRow(ctx, query, id, clientScope))
}

// FindCustomerByPhone retrieves a client's customer whose phone matches any
// of the given spellings
func (s *Store) FindCustomerByPhone(ctx context.Context, clientID string, phones []string) (*domain.Customer, error) {
	if len(phones) == 0 {
		return nil, database.ErrNotFound
	}
	query := `
		SELECT ` + customerColumns + `
		FROM customers c
		WHERE c.client_id = $1 AND c.phone = ANY($2)
		ORDER BY c.created_at
		LIMIT 1
	`
	return scanCustomer(s.db.QueryRow(ctx, query, clientID, phones))
}

// GetActiveAssignee retrieves the customer holding the active assignment of
// a meter. The most recent assignment wins if several customers share it.
func (s *Store) GetActiveAssignee(ctx context.Context, meterID string) (*domain.Customer, error) {
	query := `
		SELECT ` + customerColumns + `
		FROM meter_assignments a
		JOIN customers c ON c.id = a.customer_id
		WHERE a.meter_id = $1 AND a.is_active
		ORDER BY a.assigned_on DESC
		LIMIT 1
	`
	return scanCustomer(s.db.QueryRow(ctx, query, meterID))
}

func scanClient(row pgx.Row) (*domain.Client, error) {
	var c domain.Client
	err := row.Scan(
		&c.ID, &c.Name, &c.PaybillNumber, &c.StronpowerCompanyName,
		&c.StronpowerUsername, &c.StronpowerPassword, &c.IsActive, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	return &c, nil
}

func scanMeter(row pgx.Row) (*domain.Meter, error) {
	var m domain.Meter
	err := row.Scan(&m.ID, &m.ClientID, &m.MeterID, &m.Status, &m.Location, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning meter: %w", err)
	}
	return &m, nil
}

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.ClientID, &c.CustomerID, &c.Name, &c.Phone, &c.Email, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning customer: %w", err)
	}
	return &c, nil
}
