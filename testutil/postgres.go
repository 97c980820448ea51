package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onnwee/post-relay/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies the schema and truncates the
// account table. It skips the test when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE watched_accounts`); err != nil {
		pool.Close()
		t.Fatalf("failed to truncate: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
