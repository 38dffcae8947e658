package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/model"
)

// Reconciler computes a fresh reconciliation record without persisting it.
type Reconciler interface {
	Compute(ctx context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error)
}

// Archive closes a finished batch: its closing reconciliation record is
// stored and its staging rows are deleted. Batches still running, or with
// rows unaccounted for, are refused.
func Archive(ctx context.Context, store Store, rec Reconciler, log zerolog.Logger, batchID uuid.UUID) (*model.ReconciliationRecord, error) {
	start := time.Now()

	b, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, &batch.Error{Kind: batch.KindNotFound, BatchID: batchID, Err: err}
	}
	if b.Status == model.BatchArchived {
		return nil, &batch.Error{Kind: batch.KindInvalidRequest, BatchID: batchID,
			Err: fmt.Errorf("batch already archived")}
	}
	cur, err := store.GetCursor(ctx, batchID)
	if err != nil {
		return nil, &batch.Error{Kind: batch.KindInvalidRequest, BatchID: batchID,
			Err: fmt.Errorf("batch was never processed: %w", err)}
	}
	if !cur.Completed {
		return nil, &batch.Error{Kind: batch.KindInvalidRequest, BatchID: batchID, ResumeOffset: cur.ResumeOffset,
			Err: fmt.Errorf("batch is %s, not completed", cur.State)}
	}

	closing, err := rec.Compute(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("archive reconcile: %w", err)
	}
	if closing.Unexplained != 0 {
		return closing, &batch.Error{Kind: batch.KindDiscrepancy, BatchID: batchID, ResumeOffset: cur.ResumeOffset,
			Err: fmt.Errorf("%d rows unaccounted for; staging kept for review", closing.Unexplained)}
	}

	deleted, err := store.ArchiveBatch(ctx, *closing)
	if err != nil {
		return nil, fmt.Errorf("archive batch: %w", err)
	}

	log.Info().
		Str("batch_id", batchID.String()).
		Int64("rows_deleted", deleted).
		Int64("final_count", closing.FinalCount).
		Dur("duration", time.Since(start)).
		Msg("staging cleanup complete")

	return closing, nil
}
