package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/config"
	"github.com/gyeh/volumetria/internal/model"
)

// Store is the part of the volumetria store the ingest pipeline writes to.
type Store interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	FindBatch(ctx context.Context, sha string, category model.FileCategory, period model.Period) (*model.Batch, error)
	StageRows(ctx context.Context, batchID uuid.UUID, rows <-chan *model.StagingRow) (int64, error)
	SetBatchStatus(ctx context.Context, id uuid.UUID, status model.BatchStatus, rowsStaged int64) error
	GetCursor(ctx context.Context, batchID uuid.UUID) (*model.BatchCursor, error)
	ArchiveBatch(ctx context.Context, rec model.ReconciliationRecord) (int64, error)
}

// PipelineError wraps an error with the phase where it occurred.
type PipelineError struct {
	Phase string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Deps are the collaborators Run drives after staging. Processor and
// Reconciler may be nil when cfg.Process is off.
type Deps struct {
	Store      Store
	Processor  Invoker
	Reconciler Reconciler
}

// Run executes the ingest pipeline: preflight → stage → (process →
// archive).
func Run(ctx context.Context, deps Deps, log zerolog.Logger, cfg *config.Config) (*model.IngestSummary, error) {
	totalStart := time.Now()

	category, err := cfg.Category()
	if err != nil {
		return nil, &PipelineError{Phase: "preflight", Err: err}
	}
	period, err := cfg.Period()
	if err != nil {
		return nil, &PipelineError{Phase: "preflight", Err: err}
	}

	// Phase 1: Preflight
	log.Info().Str("file", cfg.FilePath).Msg("starting preflight")
	pf, err := Preflight(ctx, deps.Store, log, cfg.FilePath, category, period, cfg.Force)
	if err != nil {
		return nil, &PipelineError{Phase: "preflight", Err: err}
	}

	summary := &model.IngestSummary{
		FilePath:        pf.FilePath,
		FileSHA256:      pf.FileSHA256,
		BatchID:         pf.Batch.BatchID.String(),
		FileCategory:    category,
		ReferencePeriod: period.String(),
	}

	if pf.AlreadyStaged {
		log.Info().
			Str("batch_id", pf.Batch.BatchID.String()).
			Str("sha256", pf.FileSHA256).
			Msg("file already staged, skipping (use --force to re-stage)")
		summary.AlreadyStaged = true
		summary.RowsStaged = pf.Batch.RowsStaged
		summary.Archived = pf.Batch.Status == model.BatchArchived
		summary.DurationTotal = time.Since(totalStart)
		return summary, nil
	}

	// Phase 2: Stage
	log.Info().Msg("starting staging")
	stageResult, err := Stage(ctx, deps.Store, log, pf)
	if err != nil {
		_ = deps.Store.SetBatchStatus(context.WithoutCancel(ctx), pf.Batch.BatchID, model.BatchFailed, 0)
		return nil, &PipelineError{Phase: "stage", Err: err}
	}
	if err := deps.Store.SetBatchStatus(ctx, pf.Batch.BatchID, model.BatchStaged, stageResult.RowsStaged); err != nil {
		return nil, &PipelineError{Phase: "stage", Err: err}
	}
	summary.RowsRead = stageResult.RowsRead
	summary.RowsStaged = stageResult.RowsStaged
	summary.RowsSkipped = stageResult.RowsSkipped
	summary.DurationStage = stageResult.Duration

	if !cfg.Process || deps.Processor == nil {
		summary.DurationTotal = time.Since(totalStart)
		logSummary(log, summary)
		return summary, nil
	}

	// Phase 3: Process
	log.Info().Msg("starting processing")
	procResult, err := Process(ctx, deps.Processor, log, pf.Batch.BatchID)
	if err != nil {
		return summary, &PipelineError{Phase: "process", Err: err}
	}
	summary.Invocations = procResult.Invocations
	summary.Completed = procResult.Last.Completed
	summary.DurationProcess = procResult.Duration
	if rec := procResult.Last.Reconciliation; rec != nil {
		summary.RowsFinal = rec.FinalCount
		summary.RowsExcluded = rec.ExcludedTotal()
		summary.Unexplained = rec.Unexplained
	}

	// Phase 4: Archive staging
	if !cfg.KeepStaging && deps.Reconciler != nil {
		log.Info().Msg("archiving staging")
		rec, err := Archive(ctx, deps.Store, deps.Reconciler, log, pf.Batch.BatchID)
		if err != nil {
			log.Warn().Err(err).Msg("staging archive failed (non-fatal)")
		} else {
			summary.Archived = true
			summary.RowsFinal = rec.FinalCount
			summary.RowsExcluded = rec.ExcludedTotal()
			summary.Unexplained = rec.Unexplained
		}
	}

	summary.DurationTotal = time.Since(totalStart)
	logSummary(log, summary)
	return summary, nil
}

func logSummary(log zerolog.Logger, s *model.IngestSummary) {
	log.Info().
		Str("batch_id", s.BatchID).
		Int64("rows_read", s.RowsRead).
		Int64("rows_staged", s.RowsStaged).
		Int64("rows_skipped", s.RowsSkipped).
		Int64("rows_final", s.RowsFinal).
		Int64("rows_excluded", s.RowsExcluded).
		Int64("unexplained", s.Unexplained).
		Bool("completed", s.Completed).
		Str("total_duration", s.DurationTotal.String()).
		Msg("ingest pipeline complete")
}
