// Package store is the PostgreSQL persistence layer for tenancy, payments,
// vending requests and tokens.
package store

import (
	"context"

	"aquavend/internal/common/database"
)

// Store provides data access for the vending pipeline
type Store struct {
	db *database.DB
}

// New creates a new store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// HealthCheck verifies the database is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}
