package postgres

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanyonCasa/homebrew/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("HOMEBREW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOMEBREW_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	require.NoError(t, EnsureSchema(ctx, pool))

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM users")       //nolint:errcheck
	pool.Exec(ctx, "DELETE FROM definitions") //nolint:errcheck

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM users")       //nolint:errcheck
		pool.Exec(ctx, "DELETE FROM definitions") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresRepository(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestBackupContainsBothTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, storagetest.NewUser("alice")))

	var buf bytes.Buffer
	require.NoError(t, s.Backup(ctx, &buf))
	assert.Contains(t, buf.String(), "-- users\n")
	assert.Contains(t, buf.String(), "-- definitions\n")
	assert.Contains(t, buf.String(), "alice")
}
