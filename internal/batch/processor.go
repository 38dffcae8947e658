// Package batch drives the resumable processing of staged batches: it pulls
// lots of pending staging rows, runs them through the rule chain and commits
// each lot atomically together with the cursor advance.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/rules"
)

const (
	DefaultLotSize = 1000
	MaxLotSize     = 10000
	DefaultBudget  = 50 * time.Second

	maxReportedErrors = 100
)

// Store is the persistence the processor needs.
type Store interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	GetCursor(ctx context.Context, batchID uuid.UUID) (*model.BatchCursor, error)
	CreateCursor(ctx context.Context, c *model.BatchCursor) (*model.BatchCursor, error)
	UpdateCursor(ctx context.Context, c *model.BatchCursor) (*model.BatchCursor, error)
	PendingRows(ctx context.Context, batchID uuid.UUID, limit int) ([]*model.StagingRow, error)
	CommitLot(ctx context.Context, lot *model.Lot) (*model.CommitResult, error)
}

// Locker serializes invocations for the same batch.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Reconciler recounts a batch after each lot.
type Reconciler interface {
	Reconcile(ctx context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error)
}

// LotStats describes one committed lot.
type LotStats struct {
	Category     model.FileCategory
	Consumed     int64
	Inserted     int64
	Excluded     map[string]int64
	Duplicates   int
	LookupMisses int
	Malformed    int
	Timeouts     int
	EvalErrors   int
	Duration     time.Duration
}

// Recorder receives processing metrics.
type Recorder interface {
	ObserveLot(s LotStats)
	ObserveFailure(kind string)
}

// Options configure a Processor. Zero values take defaults.
type Options struct {
	LotSize    int
	Budget     time.Duration
	MaxLots    int
	RowTimeout time.Duration
	FailOpen   bool
	LockTTL    time.Duration
	Now        func() time.Time

	Locker     Locker
	Recorder   Recorder
	Reconciler Reconciler
}

// Request is one invocation of the processor. A nil ResumeOffset means
// start or continue from the persisted cursor.
type Request struct {
	BatchID      uuid.UUID `json:"batch_id"`
	ResumeOffset *int64    `json:"resume_offset,omitempty"`
	LotSize      int       `json:"lot_size,omitempty"`
}

// Response is the invocation result.
type Response struct {
	Success          bool                        `json:"success"`
	BatchID          uuid.UUID                   `json:"batch_id"`
	Completed        bool                        `json:"completed"`
	State            model.CursorState           `json:"state"`
	RowsConsumed     int64                       `json:"rows_consumed_this_call"`
	RowsSurviving    int64                       `json:"rows_surviving_this_call"`
	NextResumeOffset *int64                      `json:"next_resume_offset"`
	ResumeOffset     int64                       `json:"resume_offset"`
	Lots             int                         `json:"lots"`
	Errors           []string                    `json:"errors"`
	ErrorKind        ErrorKind                   `json:"error_kind,omitempty"`
	Reconciliation   *model.ReconciliationRecord `json:"reconciliation,omitempty"`
}

// Processor is safe for concurrent use across batches.
type Processor struct {
	store   Store
	catalog *catalog.Catalog
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	chains map[model.FileCategory]*rules.Chain
}

// New creates a Processor.
func New(store Store, cat *catalog.Catalog, log zerolog.Logger, opts Options) *Processor {
	if opts.LotSize <= 0 {
		opts.LotSize = DefaultLotSize
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Budget + 30*time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		store:   store,
		catalog: cat,
		opts:    opts,
		log:     log,
		chains:  make(map[model.FileCategory]*rules.Chain),
	}
}

// LockKey is the lock name serializing work on one batch.
func LockKey(batchID uuid.UUID) string {
	return "volumetria:batch:" + batchID.String()
}

func (p *Processor) chain(cat model.FileCategory) (*rules.Chain, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.chains[cat]; ok {
		return c, nil
	}
	c, err := rules.Compile(p.catalog, cat, rules.Options{
		FailOpen:   p.opts.FailOpen,
		RowTimeout: p.opts.RowTimeout,
		Now:        p.opts.Now,
	})
	if err != nil {
		return nil, err
	}
	p.chains[cat] = c
	return c, nil
}

func (p *Processor) fail(resp *Response, kind ErrorKind, offset int64, err error) (*Response, error) {
	resp.Success = false
	resp.ErrorKind = kind
	resp.ResumeOffset = offset
	resp.Errors = append(resp.Errors, err.Error())
	if p.opts.Recorder != nil {
		p.opts.Recorder.ObserveFailure(string(kind))
	}
	p.log.Warn().Err(err).Str("batch_id", resp.BatchID.String()).Str("error_kind", string(kind)).
		Int64("resume_offset", offset).Msg("batch invocation failed")
	return resp, &Error{Kind: kind, BatchID: resp.BatchID, ResumeOffset: offset, Err: err}
}

// knownOffset is the persisted resume offset for failures raised before the
// cursor is loaded, or 0 when the batch has none yet.
func (p *Processor) knownOffset(ctx context.Context, batchID uuid.UUID) int64 {
	cur, err := p.store.GetCursor(context.WithoutCancel(ctx), batchID)
	if err != nil {
		return 0
	}
	return cur.ResumeOffset
}

func storeKind(err error) ErrorKind {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return KindNotFound
	case errors.Is(err, model.ErrCursorConflict):
		return KindCursorConflict
	default:
		return KindPersistence
	}
}

func (p *Processor) lock(ctx context.Context, batchID uuid.UUID) (func(), error) {
	if p.opts.Locker == nil {
		return func() {}, nil
	}
	key := LockKey(batchID)
	token, ok, err := p.opts.Locker.TryLock(ctx, key, p.opts.LockTTL)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, BatchID: batchID, Err: fmt.Errorf("acquire batch lock: %w", err)}
	}
	if !ok {
		return nil, &Error{Kind: KindCursorConflict, BatchID: batchID,
			Err: fmt.Errorf("batch is locked by another worker: %w", model.ErrCursorConflict)}
	}
	return func() {
		if err := p.opts.Locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			p.log.Warn().Err(err).Str("batch_id", batchID.String()).Msg("release batch lock")
		}
	}, nil
}

// loadCursor returns the batch's cursor, creating it at offset 0 on the
// first invocation.
func (p *Processor) loadCursor(ctx context.Context, b *model.Batch, lotSize int, version string) (*model.BatchCursor, error) {
	cur, err := p.store.GetCursor(ctx, b.BatchID)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return p.store.CreateCursor(ctx, &model.BatchCursor{
		BatchID:        b.BatchID,
		LotSize:        lotSize,
		TotalRows:      b.RowsStaged,
		State:          model.StateNotStarted,
		CatalogVersion: version,
	})
}

// Invoke runs lots until the batch completes or the budget is spent. The
// returned Response is never nil; on failure it carries the error kind and
// the last committed resume offset.
func (p *Processor) Invoke(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{BatchID: req.BatchID, Errors: []string{}}

	lotSize := req.LotSize
	if lotSize == 0 {
		lotSize = p.opts.LotSize
	}
	if lotSize < 0 || lotSize > MaxLotSize {
		return p.fail(resp, KindInvalidRequest, 0, fmt.Errorf("lot_size must be between 1 and %d, got %d", MaxLotSize, lotSize))
	}
	if req.ResumeOffset != nil && *req.ResumeOffset < 0 {
		return p.fail(resp, KindInvalidRequest, 0, fmt.Errorf("resume_offset must not be negative"))
	}

	unlock, err := p.lock(ctx, req.BatchID)
	if err != nil {
		var be *Error
		errors.As(err, &be)
		return p.fail(resp, be.Kind, p.knownOffset(ctx, req.BatchID), be.Err)
	}
	defer unlock()

	b, err := p.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return p.fail(resp, storeKind(err), p.knownOffset(ctx, req.BatchID), fmt.Errorf("load batch: %w", err))
	}
	if b.Status != model.BatchStaged {
		return p.fail(resp, KindInvalidRequest, p.knownOffset(ctx, req.BatchID),
			fmt.Errorf("batch status is %s, want %s", b.Status, model.BatchStaged))
	}
	chain, err := p.chain(b.FileCategory)
	if err != nil {
		return p.fail(resp, KindInvalidRequest, p.knownOffset(ctx, req.BatchID), fmt.Errorf("compile rules: %w", err))
	}
	cur, err := p.loadCursor(ctx, b, lotSize, chain.Version)
	if err != nil {
		return p.fail(resp, storeKind(err), 0, fmt.Errorf("load cursor: %w", err))
	}
	resp.ResumeOffset = cur.ResumeOffset
	if cur.CatalogVersion != chain.Version {
		return p.fail(resp, KindCatalogMismatch, cur.ResumeOffset,
			fmt.Errorf("cursor pinned to catalog %s, loaded catalog is %s", cur.CatalogVersion, chain.Version))
	}
	if cur.Completed {
		return p.finish(ctx, resp, cur, 0), nil
	}
	if req.ResumeOffset != nil {
		switch off := *req.ResumeOffset; {
		case off > cur.ResumeOffset:
			return p.fail(resp, KindCursorConflict, cur.ResumeOffset,
				fmt.Errorf("resume_offset %d is ahead of the persisted cursor: %w", off, model.ErrCursorConflict))
		case off < cur.ResumeOffset:
			// Those rows are committed; replaying them is a no-op.
			return p.finish(ctx, resp, cur, 0), nil
		}
	}

	cur.State = model.StateRunning
	cur.LotSize = lotSize
	cur.LastError = ""
	if cur, err = p.store.UpdateCursor(ctx, cur); err != nil {
		return p.fail(resp, storeKind(err), resp.ResumeOffset, fmt.Errorf("start batch: %w", err))
	}

	log := p.log.With().Str("batch_id", b.BatchID.String()).Str("file_category", string(b.FileCategory)).Logger()
	log.Info().Int64("resume_offset", cur.ResumeOffset).Int("lot_size", lotSize).Msg("batch invocation started")

	deadline := p.opts.Now().Add(p.opts.Budget)
	lots := 0
	for !cur.Completed {
		if lots > 0 && (!p.opts.Now().Before(deadline) || (p.opts.MaxLots > 0 && lots >= p.opts.MaxLots)) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		rows, err := p.store.PendingRows(ctx, b.BatchID, lotSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return p.failed(ctx, resp, cur, fmt.Errorf("select pending rows: %w", err))
		}
		if len(rows) == 0 {
			cur.Completed = true
			cur.State = model.StateCompleted
			if cur, err = p.store.UpdateCursor(ctx, cur); err != nil {
				return p.fail(resp, storeKind(err), resp.ResumeOffset, fmt.Errorf("complete batch: %w", err))
			}
			break
		}

		start := time.Now()
		lot, stats, rowErrs, err := p.evaluate(ctx, chain, b, rows, cur.Version)
		if err != nil {
			break
		}
		res, err := p.store.CommitLot(ctx, lot)
		if err != nil {
			if errors.Is(err, model.ErrCursorConflict) {
				return p.fail(resp, KindCursorConflict, cur.ResumeOffset, fmt.Errorf("commit lot: %w", err))
			}
			return p.failed(ctx, resp, cur, fmt.Errorf("commit lot: %w", err))
		}
		cur = &res.Cursor
		lots++
		resp.RowsConsumed += res.Consumed
		resp.RowsSurviving += res.Inserted
		resp.ResumeOffset = cur.ResumeOffset
		resp.Errors = appendCapped(resp.Errors, rowErrs...)
		for _, d := range res.Duplicates {
			if d.RuleID == "" {
				resp.Errors = appendCapped(resp.Errors, fmt.Sprintf("staging row %d: duplicate natural key with no dedup rule", d.StagingRowID))
			}
		}

		stats.Consumed, stats.Inserted, stats.Excluded = res.Consumed, res.Inserted, res.Excluded
		stats.Duplicates = len(res.Duplicates)
		stats.Duration = time.Since(start)
		if p.opts.Recorder != nil {
			p.opts.Recorder.ObserveLot(stats)
		}
		log.Info().Int("lot", lots).Int64("rows_consumed", res.Consumed).Int64("rows_surviving", res.Inserted).
			Int64("resume_offset", cur.ResumeOffset).Dur("duration", stats.Duration).Msg("lot committed")
		p.reconcile(ctx, resp, b.BatchID)
	}

	if !cur.Completed {
		cur.State = model.StateSuspended
		if cur, err = p.store.UpdateCursor(context.WithoutCancel(ctx), cur); err != nil {
			return p.fail(resp, storeKind(err), resp.ResumeOffset, fmt.Errorf("suspend batch: %w", err))
		}
		log.Info().Int64("resume_offset", cur.ResumeOffset).Int("lots", lots).Msg("batch suspended")
	} else {
		log.Info().Int64("resume_offset", cur.ResumeOffset).Int("lots", lots).Msg("batch completed")
	}
	return p.finish(ctx, resp, cur, lots), nil
}

// failed records a mid-run failure on the cursor. The failing lot was not
// committed, so the next invocation retries it.
func (p *Processor) failed(ctx context.Context, resp *Response, cur *model.BatchCursor, cause error) (*Response, error) {
	cur.State = model.StateFailed
	cur.LastError = cause.Error()
	if _, err := p.store.UpdateCursor(context.WithoutCancel(ctx), cur); err != nil {
		p.log.Error().Err(err).Str("batch_id", cur.BatchID.String()).Msg("record cursor failure")
	}
	return p.fail(resp, KindPersistence, cur.ResumeOffset, cause)
}

func (p *Processor) finish(ctx context.Context, resp *Response, cur *model.BatchCursor, lots int) *Response {
	resp.Success = true
	resp.Completed = cur.Completed
	resp.State = cur.State
	resp.ResumeOffset = cur.ResumeOffset
	resp.Lots = lots
	if !cur.Completed {
		next := cur.ResumeOffset
		resp.NextResumeOffset = &next
	}
	if lots == 0 && cur.Completed {
		p.reconcile(ctx, resp, cur.BatchID)
	}
	return resp
}

func (p *Processor) reconcile(ctx context.Context, resp *Response, batchID uuid.UUID) {
	if p.opts.Reconciler == nil {
		return
	}
	rec, err := p.opts.Reconciler.Reconcile(context.WithoutCancel(ctx), batchID)
	if err != nil {
		p.log.Warn().Err(err).Str("batch_id", batchID.String()).Msg("reconcile batch")
		resp.Errors = appendCapped(resp.Errors, fmt.Sprintf("reconcile: %v", err))
		return
	}
	resp.Reconciliation = rec
	if rec.Unexplained != 0 {
		resp.Errors = appendCapped(resp.Errors, fmt.Sprintf("%s: %d rows unaccounted for", KindDiscrepancy, rec.Unexplained))
	}
}

func (p *Processor) evaluate(ctx context.Context, chain *rules.Chain, b *model.Batch, rows []*model.StagingRow, version int64) (*model.Lot, LotStats, []string, error) {
	lot := &model.Lot{
		BatchID:       b.BatchID,
		CursorVersion: version,
		DedupRuleID:   chain.DedupRuleID(),
		Rows:          make([]model.LotRow, 0, len(rows)),
	}
	stats := LotStats{Category: b.FileCategory}
	var rowErrs []string
	for _, sr := range rows {
		out, err := chain.Evaluate(ctx, b, sr)
		if err != nil {
			return nil, stats, nil, err
		}
		for _, e := range out.Events {
			if e.Action == model.ActionLookupMiss {
				stats.LookupMisses++
			}
		}
		if ex := out.Exclusion; ex != nil {
			switch ex.Reason {
			case model.ReasonMalformedDate:
				stats.Malformed++
			case model.ReasonEvaluationTimeout:
				stats.Timeouts++
				rowErrs = append(rowErrs, fmt.Sprintf("staging row %d: rule %s: %s", sr.ID, ex.RuleID, ex.Reason))
			case model.ReasonEvaluationError:
				stats.EvalErrors++
				rowErrs = append(rowErrs, fmt.Sprintf("staging row %d: rule %s: %s", sr.ID, ex.RuleID, ex.Reason))
			}
		}
		lot.Rows = append(lot.Rows, out)
	}
	lot.CommittedAt = p.opts.Now().UTC()
	return lot, stats, rowErrs, nil
}

func appendCapped(errs []string, more ...string) []string {
	for _, m := range more {
		switch {
		case len(errs) < maxReportedErrors:
			errs = append(errs, m)
		case len(errs) == maxReportedErrors:
			errs = append(errs, "further errors omitted")
		}
	}
	return errs
}

// Cancel stops a batch between lots. Committed final rows are kept; the
// remaining staging rows stay pending and reconciliation reports them.
func (p *Processor) Cancel(ctx context.Context, batchID uuid.UUID) (*model.BatchCursor, error) {
	unlock, err := p.lock(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, &Error{Kind: storeKind(err), BatchID: batchID, Err: fmt.Errorf("load batch: %w", err)}
	}
	cur, err := p.loadCursor(ctx, b, p.opts.LotSize, p.catalog.Version)
	if err != nil {
		return nil, &Error{Kind: storeKind(err), BatchID: batchID, Err: fmt.Errorf("load cursor: %w", err)}
	}
	if cur.Cancelled {
		return cur, nil
	}
	if cur.Completed {
		return nil, &Error{Kind: KindInvalidRequest, BatchID: batchID, ResumeOffset: cur.ResumeOffset,
			Err: fmt.Errorf("batch already completed")}
	}
	cur.Cancelled = true
	cur.Completed = true
	cur.State = model.StateCompleted
	if cur, err = p.store.UpdateCursor(ctx, cur); err != nil {
		return nil, &Error{Kind: storeKind(err), BatchID: batchID, Err: fmt.Errorf("cancel batch: %w", err)}
	}
	p.log.Info().Str("batch_id", batchID.String()).Int64("resume_offset", cur.ResumeOffset).Msg("batch cancelled")
	if p.opts.Reconciler != nil {
		if _, err := p.opts.Reconciler.Reconcile(context.WithoutCancel(ctx), batchID); err != nil {
			p.log.Warn().Err(err).Str("batch_id", batchID.String()).Msg("reconcile cancelled batch")
		}
	}
	return cur, nil
}
