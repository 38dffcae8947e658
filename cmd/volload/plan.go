package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/exitcode"
	"github.com/gyeh/volumetria/internal/ingest"
	"github.com/gyeh/volumetria/internal/lock"
	"github.com/gyeh/volumetria/internal/logging"
	"github.com/gyeh/volumetria/internal/memstore"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/reconcile"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Dry-run the whole pipeline in memory and report counts (no writes)",
	RunE:  runPlan,
}

func init() {
	addFileFlags(planCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}

	cat := loadCatalog(log)
	st := memstore.New()
	mon := reconcile.New(st, cat, log)
	proc := batch.New(st, cat, log, processorOptions(lock.NewLocal(), nil, mon))

	run := cfg
	run.Process = true
	run.KeepStaging = true
	summary, err := ingest.Run(ctx, ingest.Deps{Store: st, Processor: proc, Reconciler: mon}, log, &run)
	if err != nil {
		log.Error().Err(err).Msg("plan failed")
		os.Exit(exitcode.ValidationError)
	}
	id, err := uuid.Parse(summary.BatchID)
	if err != nil {
		return err
	}
	report, err := mon.Query(ctx, id)
	if err != nil {
		exitForBatchError(log, "reconciliation failed", err)
	}
	finals, err := st.FinalRows(ctx, model.FinalRowFilter{BatchID: id})
	if err != nil {
		return err
	}
	billing := make(map[model.BillingType]int)
	for _, r := range finals {
		billing[r.BillingType]++
	}

	rec := report.Record
	fmt.Println("=== volload plan ===")
	fmt.Printf("File:        %s\n", summary.FilePath)
	fmt.Printf("SHA-256:     %s\n", summary.FileSHA256)
	fmt.Printf("Category:    %s\n", summary.FileCategory)
	fmt.Printf("Period:      %s\n", summary.ReferencePeriod)
	fmt.Printf("Catalog:     %s\n", cat.Version)
	fmt.Printf("Rows read:   %d (%d blank skipped)\n", summary.RowsRead, summary.RowsSkipped)
	fmt.Printf("Final rows:  %d\n", rec.FinalCount)
	fmt.Printf("Excluded:    %d\n", rec.ExcludedTotal())
	fmt.Printf("Unexplained: %d\n", rec.Unexplained)
	fmt.Println()
	fmt.Println("Rule ledger:")
	for _, e := range report.Ledger {
		fmt.Printf("  %-8s %-16s applied=%-5t rows=%d\n", e.RuleID, e.Effect, e.Applied, e.RowsAffected)
	}
	fmt.Println()
	fmt.Println("Billing types:")
	types := make([]string, 0, len(billing))
	for bt := range billing {
		types = append(types, string(bt))
	}
	sort.Strings(types)
	for _, bt := range types {
		fmt.Printf("  %-6s %d\n", bt, billing[model.BillingType(bt)])
	}
	for _, a := range report.Alerts {
		fmt.Printf("ALERT %s: %s\n", a.Kind, a.Detail)
	}
	if rec.Unexplained != 0 {
		os.Exit(exitcode.Discrepancy)
	}
	return nil
}
