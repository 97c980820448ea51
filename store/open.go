package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/post-relay/db"
	"github.com/onnwee/post-relay/relay"
)

// OpenOptions selects and prepares a backend.
type OpenOptions struct {
	// Driver is postgres, sqlite or memory.
	Driver string
	// DSN is the Postgres connection string or the SQLite file path.
	DSN string
	// Migrate applies the schema before returning.
	Migrate bool
}

// Open connects to the configured backend. For Postgres, versioned
// migrations run first and the idempotent statements are the fallback.
func Open(ctx context.Context, opts OpenOptions) (relay.Store, error) {
	switch opts.Driver {
	case "postgres":
		pool, err := db.OpenPostgres(ctx, opts.DSN)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			slog.Info("running database migrations", slog.String("component", "db_migrate"))
			if err := db.RunMigrations(pool); err != nil {
				slog.Warn("versioned migrations failed, falling back to embedded statements",
					slog.Any("err", err), slog.String("component", "db_migrate"))
				if err := db.Migrate(ctx, pool); err != nil {
					pool.Close()
					return nil, fmt.Errorf("migrate postgres: %w", err)
				}
			}
		}
		return NewPostgres(pool), nil

	case "sqlite":
		sqlDB, err := db.OpenSQLite(ctx, opts.DSN)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := db.MigrateSQLite(ctx, sqlDB); err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("migrate sqlite: %w", err)
			}
		}
		return NewSQLite(sqlDB), nil

	case "memory":
		slog.Warn("using in-memory store: subscriptions and watermarks are lost on restart")
		return NewMemory(), nil

	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}
