package main

import (
	"context"
	"encoding/json"
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

var (
	batchIDFlag  string
	resumeOffset int64
	untilDone    bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one resumable invocation of the rule chain over a staged batch",
	RunE:  runProcess,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a batch between lots, keeping committed final rows",
	RunE:  runCancel,
}

func addBatchFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&batchIDFlag, "batch-id", "", "Batch id (required)")
	_ = cmd.MarkFlagRequired("batch-id")
}

func init() {
	addBatchFlag(processCmd)
	f := processCmd.Flags()
	f.Int64Var(&resumeOffset, "resume-offset", -1, "Expected cursor position (default: continue from the persisted cursor)")
	f.BoolVar(&untilDone, "until-complete", false, "Re-invoke until the batch completes")
	addBatchFlag(cancelCmd)
	rootCmd.AddCommand(processCmd, cancelCmd)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runProcess(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := parseBatchID(log, batchIDFlag)
	pool := openPool(ctx, log)
	defer pool.Close()

	store := db.NewStore(pool)
	cat := loadCatalog(log)
	mon := reconcile.New(store, cat, log)
	proc := batch.New(store, cat, log, processorOptions(newLocker(pool), nil, mon))

	if untilDone {
		res, err := ingest.Process(ctx, proc, log, id)
		if res != nil && res.Last != nil {
			printJSON(res.Last)
		}
		if err != nil {
			exitForBatchError(log, "processing failed", err)
		}
		return nil
	}

	req := batch.Request{BatchID: id}
	if resumeOffset >= 0 {
		req.ResumeOffset = &resumeOffset
	}
	resp, err := proc.Invoke(ctx, req)
	if resp != nil {
		printJSON(resp)
	}
	if err != nil {
		exitForBatchError(log, "invocation failed", err)
	}
	if !resp.Completed {
		os.Exit(exitcode.PartialSuccess)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	id := parseBatchID(log, batchIDFlag)
	pool := openPool(ctx, log)
	defer pool.Close()

	store := db.NewStore(pool)
	cat := loadCatalog(log)
	proc := batch.New(store, cat, log, processorOptions(newLocker(pool), nil, reconcile.New(store, cat, log)))

	cur, err := proc.Cancel(ctx, id)
	if err != nil {
		exitForBatchError(log, "cancel failed", err)
	}
	fmt.Printf("Batch %s cancelled at offset %d\n", cur.BatchID, cur.ResumeOffset)
	return nil
}
