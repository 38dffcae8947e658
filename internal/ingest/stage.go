package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/extract"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
)

const readBatchSize = 1024

// StageResult holds metrics from the staging phase.
type StageResult struct {
	RowsRead    int64
	RowsStaged  int64
	RowsSkipped int64
	Duration    time.Duration
}

// Stage streams records from the extract and loads them into the staging
// table as pending rows, in file order.
func Stage(ctx context.Context, store Store, log zerolog.Logger, pf *PreflightResult) (*StageResult, error) {
	start := time.Now()

	reader, err := extract.Open(pf.FilePath)
	if err != nil {
		return nil, fmt.Errorf("stage open: %w", err)
	}
	defer reader.Close()

	ch := make(chan *model.StagingRow, readBatchSize)
	errCh := make(chan error, 1)
	b := pf.Batch

	var rowsRead, rowsSkipped int64

	// Producer goroutine: read extract → staging row → push to channel
	go func() {
		defer close(ch)
		for {
			rec, readErr := reader.Read()
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				errCh <- readErr
				return
			}
			rowsRead++

			staging, convErr := normalize.ToStagingRow(rec.Fields, b.BatchID, b.FileCategory, rec.Row)
			if convErr != nil {
				rowsSkipped++
				log.Warn().Err(convErr).Int64("row", rec.Row).Msg("row skipped")
				continue
			}

			select {
			case ch <- staging:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		errCh <- nil
	}()

	// Consumer: staging store drains the channel
	rowsStaged, err := store.StageRows(ctx, b.BatchID, ch)
	if err != nil {
		// Unblock the producer before waiting on it.
		for range ch {
		}
	}

	// Wait for producer to finish
	prodErr := <-errCh
	if prodErr != nil {
		return nil, fmt.Errorf("stage producer: %w", prodErr)
	}
	if err != nil {
		return nil, fmt.Errorf("stage copy: %w", err)
	}

	rowsSkipped += reader.Skipped()
	dur := time.Since(start)
	log.Info().
		Str("batch_id", b.BatchID.String()).
		Int64("rows_read", rowsRead).
		Int64("rows_staged", rowsStaged).
		Int64("rows_skipped", rowsSkipped).
		Str("duration", dur.String()).
		Float64("rows_per_sec", float64(rowsStaged)/dur.Seconds()).
		Msg("staging complete")

	return &StageResult{
		RowsRead:    rowsRead,
		RowsStaged:  rowsStaged,
		RowsSkipped: rowsSkipped,
		Duration:    dur,
	}, nil
}
