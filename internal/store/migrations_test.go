package store

import (
	"io"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/aquavend?sslmode=disable", MigrateURL("postgres://u:p@db:5432/aquavend?sslmode=disable"))
	assert.Equal(t, "pgx5://db/aquavend", MigrateURL("postgresql://db/aquavend"))
	assert.Equal(t, "pgx5://db/aquavend", MigrateURL("pgx5://db/aquavend"))
}

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationFS, "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(body), "idempotency_key   TEXT NOT NULL UNIQUE")
	assert.Contains(t, string(body), "WHERE is_active")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	_ = down.Close()
}
