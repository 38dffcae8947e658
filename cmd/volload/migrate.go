package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyeh/volumetria/internal/db"
	"github.com/gyeh/volumetria/internal/exitcode"
	"github.com/gyeh/volumetria/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	pool := openPool(ctx, log)
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, log); err != nil {
		log.Error().Err(err).Msg("migration failed")
		os.Exit(exitcode.StageError)
	}

	log.Info().Msg("all migrations applied successfully")
	return nil
}
