package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "payments_transaction_id_key"}
	fk := &pgconn.PgError{Code: "23503"}

	tests := []struct {
		name     string
		err      error
		notFound bool
		unique   bool
		fk       bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, notFound: true},
		{name: "wrapped not found", err: fmt.Errorf("get payment: %w", ErrNotFound), notFound: true},
		{name: "unique violation", err: fmt.Errorf("insert: %w", unique), unique: true},
		{name: "foreign key violation", err: fk, fk: true},
		{name: "plain error", err: errors.New("boom")},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.unique, IsUniqueViolation(tt.err))
			assert.Equal(t, tt.fk, IsForeignKeyViolation(tt.err))
		})
	}
}
