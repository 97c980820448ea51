package main

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/onnwee/post-relay/config"
	"github.com/onnwee/post-relay/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			switch cfg.DBDriver {
			case config.DriverSQLite:
				sqlDB, err := db.OpenSQLite(ctx, cfg.DBDsn)
				if err != nil {
					return err
				}
				defer func() { _ = sqlDB.Close() }()
				if err := db.MigrateSQLite(ctx, sqlDB); err != nil {
					return err
				}
			case config.DriverPostgres:
				pool, err := a.pool(cmd)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := db.RunMigrations(pool); err != nil {
					return err
				}
			default:
				return fmt.Errorf("driver %q has no schema", cfg.DBDriver)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.pool(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.MigrateDown(pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
			return nil
		},
	}

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := a.pool(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()
			v, dirty, err := db.GetMigrationVersion(pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

// pool opens a Postgres pool for the migrate subcommands.
func (a *app) pool(cmd *cobra.Command) (*pgxpool.Pool, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if cfg.DBDriver != config.DriverPostgres {
		return nil, errors.New("this command requires DB_DRIVER=postgres")
	}
	return db.OpenPostgres(cmd.Context(), cfg.DBDsn)
}
