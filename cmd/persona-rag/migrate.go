package main

import (
	"context"
	"fmt"
	"path/filepath"

	"persona-rag/internal/repository"
	"persona-rag/internal/repository/migrations"
	"persona-rag/pkg/config"
	"persona-rag/pkg/postgres"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema of the configured storage backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		switch cfg.Storage.Backend {
		case config.BackendPostgres:
			pool, err := postgres.NewPool(ctx, &cfg.Database, appLogger)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Migrate(pool, migrations.Postgres, migrations.PostgresDir, appLogger)
		case config.BackendSQLite:
			// the knowledge index files are created on first build
			db, err := repository.OpenSQLite(filepath.Join(cfg.Storage.CacheDir, "cache.db"))
			if err != nil {
				return err
			}
			return db.Close()
		default:
			return fmt.Errorf("the %s backend has no schema", cfg.Storage.Backend)
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
