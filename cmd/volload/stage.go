package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/db"
	"github.com/gyeh/volumetria/internal/exitcode"
	"github.com/gyeh/volumetria/internal/ingest"
	"github.com/gyeh/volumetria/internal/logging"
	"github.com/gyeh/volumetria/internal/reconcile"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Stage an extract file, optionally processing it to completion",
	RunE:  runStage,
}

func addFileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&cfg.FilePath, "file", "", "Path to .xlsx, .parquet or .csv extract (required)")
	f.StringVar(&cfg.FileCategory, "category", "", "File category, e.g. standard or standard-retroactive (required)")
	f.StringVar(&cfg.ReferencePeriod, "period", "", "Reference period YYYY-MM (required)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("period")
}

func init() {
	addFileFlags(stageCmd)
	f := stageCmd.Flags()
	f.BoolVar(&cfg.Force, "force", false, "Re-stage even if the file SHA was already staged for this category and period")
	f.BoolVar(&cfg.Process, "process", false, "Run the rule chain to completion after staging")
	f.BoolVar(&cfg.KeepStaging, "keep-staging", false, "Keep staging rows after a clean run")
	rootCmd.AddCommand(stageCmd)
}

func runStage(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.ValidateWithDSN(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}

	pool := openPool(ctx, log)
	defer pool.Close()

	store := db.NewStore(pool)
	cat := loadCatalog(log)
	mon := reconcile.New(store, cat, log)
	proc := batch.New(store, cat, log, processorOptions(newLocker(pool), nil, mon))

	summary, err := ingest.Run(ctx, ingest.Deps{Store: store, Processor: proc, Reconciler: mon}, log, &cfg)
	if err != nil {
		var pe *ingest.PipelineError
		if errors.As(err, &pe) {
			switch pe.Phase {
			case "preflight":
				log.Error().Err(pe.Err).Str("phase", pe.Phase).Msg("ingest failed")
				os.Exit(exitcode.ValidationError)
			case "stage":
				log.Error().Err(pe.Err).Str("phase", pe.Phase).Msg("ingest failed")
				os.Exit(exitcode.StageError)
			}
		}
		exitForBatchError(log, "ingest failed", err)
	}

	if summary.AlreadyStaged {
		fmt.Printf("Already staged: batch %s (%d rows)\n", summary.BatchID, summary.RowsStaged)
		return nil
	}
	fmt.Printf("Stage complete: batch %s, %d rows staged, %d blank rows skipped (%.1fs)\n",
		summary.BatchID, summary.RowsStaged, summary.RowsSkipped, summary.DurationStage.Seconds())
	if cfg.Process {
		fmt.Printf("Processed in %d invocations: %d final, %d excluded, %d unexplained, archived=%t\n",
			summary.Invocations, summary.RowsFinal, summary.RowsExcluded, summary.Unexplained, summary.Archived)
		if summary.Unexplained != 0 {
			os.Exit(exitcode.Discrepancy)
		}
	}
	return nil
}
