package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyeh/volumetria/internal/db"
	"github.com/gyeh/volumetria/internal/exitcode"
	"github.com/gyeh/volumetria/internal/ingest"
	"github.com/gyeh/volumetria/internal/logging"
	"github.com/gyeh/volumetria/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recount a batch and print its reconciliation record, rule ledger and alerts",
	RunE:  runReconcile,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Store the closing reconciliation of a completed batch and delete its staging rows",
	RunE:  runArchive,
}

func init() {
	addBatchFlag(reconcileCmd)
	addBatchFlag(archiveCmd)
	rootCmd.AddCommand(reconcileCmd, archiveCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	id := parseBatchID(log, batchIDFlag)
	pool := openPool(ctx, log)
	defer pool.Close()

	store := db.NewStore(pool)
	mon := reconcile.New(store, loadCatalog(log), log)
	report, err := mon.Query(ctx, id)
	if err != nil {
		exitForBatchError(log, "reconciliation failed", err)
	}
	printJSON(report)
	if report.Record.Unexplained != 0 {
		os.Exit(exitcode.Discrepancy)
	}
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	id := parseBatchID(log, batchIDFlag)
	pool := openPool(ctx, log)
	defer pool.Close()

	store := db.NewStore(pool)
	mon := reconcile.New(store, loadCatalog(log), log)
	rec, err := ingest.Archive(ctx, store, mon, log, id)
	if err != nil {
		exitForBatchError(log, "archive failed", err)
	}
	fmt.Printf("Batch %s archived: %d staged, %d final, %d excluded\n",
		id, rec.StagingCount, rec.FinalCount, rec.ExcludedTotal())
	return nil
}
