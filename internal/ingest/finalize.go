package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/batch"
)

// Invoker is the resumable batch trigger.
type Invoker interface {
	Invoke(ctx context.Context, req batch.Request) (*batch.Response, error)
}

// ProcessResult holds metrics from driving a batch to completion.
type ProcessResult struct {
	Invocations   int
	RowsConsumed  int64
	RowsSurviving int64
	Last          *batch.Response
	Duration      time.Duration
}

// Process re-invokes the processor from the persisted cursor until the
// batch completes, the way an external scheduler would after every
// suspension.
func Process(ctx context.Context, inv Invoker, log zerolog.Logger, batchID uuid.UUID) (*ProcessResult, error) {
	start := time.Now()
	res := &ProcessResult{}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		resp, err := inv.Invoke(ctx, batch.Request{BatchID: batchID})
		res.Invocations++
		res.Last = resp
		if err != nil {
			return res, fmt.Errorf("invocation %d: %w", res.Invocations, err)
		}
		res.RowsConsumed += resp.RowsConsumed
		res.RowsSurviving += resp.RowsSurviving

		log.Debug().
			Str("batch_id", batchID.String()).
			Int("invocation", res.Invocations).
			Int64("rows_consumed", resp.RowsConsumed).
			Int64("resume_offset", resp.ResumeOffset).
			Msg("invocation finished")

		if resp.Completed {
			break
		}
	}
	res.Duration = time.Since(start)

	log.Info().
		Str("batch_id", batchID.String()).
		Int("invocations", res.Invocations).
		Int64("rows_consumed", res.RowsConsumed).
		Int64("rows_surviving", res.RowsSurviving).
		Str("duration", res.Duration.String()).
		Msg("processing complete")

	return res, nil
}
