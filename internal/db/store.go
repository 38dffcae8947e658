package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyeh/volumetria/internal/model"
	embedsql "github.com/gyeh/volumetria/internal/sql"
)

const (
	batchColumns = `batch_id, file_category, reference_period, source_file, source_sha256,
		file_size_bytes, rows_staged, status, created_at`
	cursorColumns = `batch_id, resume_offset, lot_size, total_rows, completed, cancelled,
		state, catalog_version, version, last_error, created_at, updated_at`

	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// Store is the Postgres-backed volumetria store. Every batch-scoped write is
// keyed by batch_id; lot commits run in a single transaction.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wraps a pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Pool exposes the underlying pool for callers that need a session, such as
// advisory locks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var (
		b                      model.Batch
		category, period, stat string
	)
	if err := row.Scan(&b.BatchID, &category, &period, &b.SourceFile, &b.SourceSHA256,
		&b.FileSizeBytes, &b.RowsStaged, &stat, &b.CreatedAt); err != nil {
		return nil, err
	}
	p, err := model.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	b.FileCategory = model.FileCategory(category)
	b.ReferencePeriod = p
	b.Status = model.BatchStatus(stat)
	return &b, nil
}

func scanCursor(row pgx.Row) (*model.BatchCursor, error) {
	var (
		c     model.BatchCursor
		state string
	)
	if err := row.Scan(&c.BatchID, &c.ResumeOffset, &c.LotSize, &c.TotalRows, &c.Completed,
		&c.Cancelled, &state, &c.CatalogVersion, &c.Version, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.State = model.CursorState(state)
	return &c, nil
}

// CreateBatch registers a new batch. Batch ids are never reused.
func (s *Store) CreateBatch(ctx context.Context, b *model.Batch) error {
	status := b.Status
	if status == "" {
		status = model.BatchStaging
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO volumetria.batches (batch_id, file_category, reference_period, source_file,
			source_sha256, file_size_bytes, rows_staged, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.BatchID, string(b.FileCategory), b.ReferencePeriod.String(), b.SourceFile,
		b.SourceSHA256, b.FileSizeBytes, b.RowsStaged, string(status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("batch %s already exists", b.BatchID)
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch returns a batch by id.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM volumetria.batches WHERE batch_id = $1`, id))
	if err != nil {
		return nil, notFound(err, "batch", id)
	}
	return b, nil
}

// FindBatch returns the most recent staged or archived batch for a file.
func (s *Store) FindBatch(ctx context.Context, sha string, category model.FileCategory, period model.Period) (*model.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM volumetria.batches
		 WHERE source_sha256 = $1 AND file_category = $2 AND reference_period = $3
		   AND status IN ('staged', 'archived')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		sha, string(category), period.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find batch: %w", err)
	}
	return b, nil
}

// StageRows COPYs rows into the staging table in arrival order.
func (s *Store) StageRows(ctx context.Context, batchID uuid.UUID, rows <-chan *model.StagingRow) (int64, error) {
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"volumetria", "staging_rows"},
		model.StagingColumns(),
		stagingSource(batchID, rows),
	)
	if err != nil {
		return n, fmt.Errorf("copy staging rows: %w", err)
	}
	return n, nil
}

// SetBatchStatus updates a batch's status and staged row count.
func (s *Store) SetBatchStatus(ctx context.Context, id uuid.UUID, status model.BatchStatus, rowsStaged int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE volumetria.batches SET status = $2, rows_staged = $3 WHERE batch_id = $1`,
		id, string(status), rowsStaged)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func collectStaging(rows pgx.Rows) ([]*model.StagingRow, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.StagingRow, error) {
		var (
			r                model.StagingRow
			category, status string
		)
		if err := row.Scan(&r.ID, &r.BatchID, &category, &r.SourceRowNumber, &r.Fields,
			&status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.FileCategory = model.FileCategory(category)
		r.Status = model.ProcessingStatus(status)
		return &r, nil
	})
}

// StagingRows returns every staging row of a batch in insertion order.
func (s *Store) StagingRows(ctx context.Context, batchID uuid.UUID) ([]*model.StagingRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, file_category, source_row_number, fields, processing_status, created_at
		 FROM volumetria.staging_rows WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select staging rows: %w", err)
	}
	return collectStaging(rows)
}

// PendingRows returns up to limit pending rows in insertion order.
func (s *Store) PendingRows(ctx context.Context, batchID uuid.UUID, limit int) ([]*model.StagingRow, error) {
	rows, err := s.pool.Query(ctx, embedsql.SelectPendingRows, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending rows: %w", err)
	}
	out, err := collectStaging(rows)
	if err != nil {
		return nil, fmt.Errorf("scan pending rows: %w", err)
	}
	return out, nil
}

// GetCursor returns the cursor of a batch.
func (s *Store) GetCursor(ctx context.Context, batchID uuid.UUID) (*model.BatchCursor, error) {
	c, err := scanCursor(s.pool.QueryRow(ctx,
		`SELECT `+cursorColumns+` FROM volumetria.batch_cursors WHERE batch_id = $1`, batchID))
	if err != nil {
		return nil, notFound(err, "cursor", batchID)
	}
	return c, nil
}

// CreateCursor inserts c unless a cursor already exists, and returns the
// stored cursor either way.
func (s *Store) CreateCursor(ctx context.Context, c *model.BatchCursor) (*model.BatchCursor, error) {
	state := c.State
	if state == "" {
		state = model.StateNotStarted
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO volumetria.batch_cursors (batch_id, resume_offset, lot_size, total_rows,
			completed, cancelled, state, catalog_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (batch_id) DO NOTHING`,
		c.BatchID, c.ResumeOffset, c.LotSize, c.TotalRows, c.Completed, c.Cancelled,
		string(state), c.CatalogVersion)
	if err != nil {
		return nil, notFound(err, "create cursor", c.BatchID)
	}
	return s.GetCursor(ctx, c.BatchID)
}

// UpdateCursor writes the mutable cursor fields if c.Version still matches
// the stored version, and returns the cursor with its new version.
func (s *Store) UpdateCursor(ctx context.Context, c *model.BatchCursor) (*model.BatchCursor, error) {
	out, err := scanCursor(s.pool.QueryRow(ctx, embedsql.UpdateCursor,
		c.BatchID, c.Version, c.LotSize, c.Completed, c.Cancelled, string(c.State), c.LastError))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update cursor: %w", err)
	}
	cur, gerr := s.GetCursor(ctx, c.BatchID)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("cursor %s at version %d, have %d: %w",
		c.BatchID, cur.Version, c.Version, model.ErrCursorConflict)
}

// CommitLot applies a lot in one transaction. Rows that are no longer
// pending are skipped, which makes replaying a lot a no-op.
func (s *Store) CommitLot(ctx context.Context, lot *model.Lot) (*model.CommitResult, error) {
	for _, lr := range lot.Rows {
		if (lr.Final == nil) == (lr.Exclusion == nil) {
			return nil, fmt.Errorf("staging row %d: outcome must be final or excluded", lr.StagingRowID)
		}
	}
	now := lot.CommittedAt
	if now.IsZero() {
		now = s.now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var version int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM volumetria.batch_cursors WHERE batch_id = $1 FOR UPDATE`,
		lot.BatchID).Scan(&version)
	if err != nil {
		return nil, notFound(err, "cursor", lot.BatchID)
	}
	if version != lot.CursorVersion {
		return nil, fmt.Errorf("cursor %s at version %d, lot has %d: %w",
			lot.BatchID, version, lot.CursorVersion, model.ErrCursorConflict)
	}

	ids := make([]int64, len(lot.Rows))
	for i, lr := range lot.Rows {
		ids[i] = lr.StagingRowID
	}
	rows, err := tx.Query(ctx, embedsql.MarkRowsDone, lot.BatchID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark rows done: %w", err)
	}
	doneIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("mark rows done: %w", err)
	}
	fresh := make(map[int64]bool, len(doneIDs))
	for _, id := range doneIDs {
		fresh[id] = true
	}

	res := &model.CommitResult{Excluded: make(map[string]int64)}
	var live []model.LotRow
	for _, lr := range lot.Rows {
		if fresh[lr.StagingRowID] {
			live = append(live, lr)
		}
	}
	res.Consumed = int64(len(live))

	dups, err := s.upsertFinals(ctx, tx, lot.BatchID, live)
	if err != nil {
		return nil, err
	}
	res.Inserted = int64(countFinals(live) - len(dups))

	var (
		exclusions []model.Exclusion
		events     []model.AuditEvent
		touches    = make(map[string]*ledgerDelta)
		order      []string
	)
	touch := func(t model.RuleTouch) {
		d, ok := touches[t.RuleID]
		if !ok {
			d = &ledgerDelta{effect: t.Effect}
			touches[t.RuleID] = d
			order = append(order, t.RuleID)
		}
		d.rows++
	}
	for _, lr := range live {
		for _, t := range lr.Touched {
			touch(t)
		}
		events = append(events, lr.Events...)
		if lr.Exclusion != nil {
			exclusions = append(exclusions, *lr.Exclusion)
			res.Excluded[lr.Exclusion.RuleID]++
			continue
		}
		prev, dup := dups[lr.StagingRowID]
		if !dup {
			continue
		}
		ex := model.Exclusion{StagingRowID: lr.StagingRowID, RuleID: lot.DedupRuleID, Reason: model.ReasonDuplicateKey}
		res.Duplicates = append(res.Duplicates, ex)
		if lot.DedupRuleID == "" {
			continue
		}
		exclusions = append(exclusions, ex)
		res.Excluded[lot.DedupRuleID]++
		touch(model.RuleTouch{RuleID: lot.DedupRuleID, Effect: model.EffectExclude})
		events = append(events, model.AuditEvent{
			BatchID: lot.BatchID, StagingRowID: lr.StagingRowID, RuleID: lot.DedupRuleID,
			Action: model.ActionExclude, CreatedAt: now,
			Detail: fmt.Sprintf("%s: first seen on staging row %d", model.ReasonDuplicateKey, prev),
		})
	}

	if len(exclusions) > 0 || len(touches) > 0 {
		b := &pgx.Batch{}
		for _, ex := range exclusions {
			b.Queue(embedsql.InsertExclusion, lot.BatchID, ex.StagingRowID, ex.RuleID, ex.Reason, now)
		}
		for _, id := range order {
			d := touches[id]
			b.Queue(embedsql.UpsertRuleLedger, lot.BatchID, id, string(d.effect), d.rows, now)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return nil, fmt.Errorf("write exclusions and ledger: %w", err)
		}
	}

	if len(events) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"volumetria", "audit_events"},
			model.AuditColumns(),
			pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
				return events[i].CopyValues(), nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("copy audit events: %w", err)
		}
	}

	cur, err := scanCursor(tx.QueryRow(ctx, embedsql.AdvanceCursor, lot.BatchID, version, res.Consumed, now))
	if err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	res.Cursor = *cur

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lot: %w", err)
	}
	return res, nil
}

type ledgerDelta struct {
	effect model.Effect
	rows   int64
}

func countFinals(rows []model.LotRow) int {
	n := 0
	for _, lr := range rows {
		if lr.Final != nil {
			n++
		}
	}
	return n
}

// upsertFinals writes surviving rows in lot order and returns, for every row
// whose natural key already belongs to another staging row, that row's id.
func (s *Store) upsertFinals(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, rows []model.LotRow) (map[int64]int64, error) {
	b := &pgx.Batch{}
	var queued []*model.FinalRow
	for _, lr := range rows {
		if lr.Final == nil {
			continue
		}
		fr := lr.Final
		b.Queue(embedsql.UpsertFinalRow,
			batchID, fr.NaturalKey, fr.StagingRowID, fr.ReferencePeriod, string(fr.SourceCategory), fr.SourceFile,
			fr.Client, fr.PatientID, fr.PatientName, fr.Study, fr.Accession, fr.Modality, fr.Specialty, fr.Category,
			fr.Priority, fr.Physician, fr.RealizedAt, fr.ReportedAt, fr.ValueCents,
			string(fr.BillingType), string(fr.ClientType), map[string]string(fr.Fields),
		)
		queued = append(queued, fr)
	}
	dups := make(map[int64]int64)
	if len(queued) == 0 {
		return dups, nil
	}

	br := tx.SendBatch(ctx, b)
	var collided []*model.FinalRow
	for _, fr := range queued {
		var id int64
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			collided = append(collided, fr)
			continue
		}
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("upsert final row %d: %w", fr.StagingRowID, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("upsert final rows: %w", err)
	}

	for _, fr := range collided {
		var prev int64
		err := tx.QueryRow(ctx,
			`SELECT staging_row_id FROM volumetria.final_rows WHERE batch_id = $1 AND natural_key = $2`,
			batchID, fr.NaturalKey).Scan(&prev)
		if err != nil {
			return nil, fmt.Errorf("resolve duplicate of row %d: %w", fr.StagingRowID, err)
		}
		dups[fr.StagingRowID] = prev
	}
	return dups, nil
}

// Counts gathers staging, pending, final and per-rule excluded counts.
func (s *Store) Counts(ctx context.Context, batchID uuid.UUID) (model.BatchCounts, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return model.BatchCounts{}, err
	}
	c := model.BatchCounts{Excluded: make(map[string]int64)}
	if err := s.pool.QueryRow(ctx, embedsql.BatchCounts, batchID).Scan(&c.Staging, &c.Pending, &c.Final); err != nil {
		return model.BatchCounts{}, fmt.Errorf("count batch rows: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT rule_id, count(*) FROM volumetria.rule_exclusions WHERE batch_id = $1 GROUP BY rule_id`,
		batchID)
	if err != nil {
		return model.BatchCounts{}, fmt.Errorf("count exclusions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return model.BatchCounts{}, fmt.Errorf("scan exclusion count: %w", err)
		}
		c.Excluded[id] = n
	}
	if err := rows.Err(); err != nil {
		return model.BatchCounts{}, fmt.Errorf("count exclusions: %w", err)
	}
	return c, nil
}

// Ledger returns the per-rule application entries of a batch, by rule id.
func (s *Store) Ledger(ctx context.Context, batchID uuid.UUID) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rule_id, effect, rows_affected, first_applied_at, last_applied_at
		 FROM volumetria.rule_ledger WHERE batch_id = $1 ORDER BY rule_id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.LedgerEntry, error) {
		var (
			e           model.LedgerEntry
			effect      string
			first, last time.Time
		)
		if err := row.Scan(&e.RuleID, &effect, &e.RowsAffected, &first, &last); err != nil {
			return e, err
		}
		e.Effect = model.Effect(effect)
		e.Applied = true
		e.FirstAppliedAt, e.LastAppliedAt = &first, &last
		return e, nil
	})
}

// AuditEvents returns a batch's audit log in write order, optionally for one
// rule. limit <= 0 means no limit.
func (s *Store) AuditEvents(ctx context.Context, batchID uuid.UUID, ruleID string, limit int) ([]model.AuditEvent, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, staging_row_id, rule_id, action, detail, created_at
		 FROM volumetria.audit_events
		 WHERE batch_id = $1 AND ($2::text = '' OR rule_id = $2)
		 ORDER BY id
		 LIMIT $3`, batchID, ruleID, lim)
	if err != nil {
		return nil, fmt.Errorf("select audit events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEvent, error) {
		var (
			e      model.AuditEvent
			action string
		)
		err := row.Scan(&e.BatchID, &e.StagingRowID, &e.RuleID, &action, &e.Detail, &e.CreatedAt)
		e.Action = model.AuditAction(action)
		return e, err
	})
}

const insertRecord = `INSERT INTO volumetria.reconciliation_records (batch_id, staging_count,
	pending_count, excluded_count, final_count, discrepancy, unexplained, completed, cancelled, generated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func recordArgs(rec model.ReconciliationRecord) []any {
	excluded := rec.ExcludedCount
	if excluded == nil {
		excluded = map[string]int64{}
	}
	return []any{rec.BatchID, rec.StagingCount, rec.PendingCount, excluded, rec.FinalCount,
		rec.Discrepancy, rec.Unexplained, rec.Completed, rec.Cancelled, rec.GeneratedAt}
}

// SaveReconciliation appends a reconciliation record.
func (s *Store) SaveReconciliation(ctx context.Context, rec model.ReconciliationRecord) error {
	if _, err := s.pool.Exec(ctx, insertRecord, recordArgs(rec)...); err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}
	return nil
}

// LatestReconciliation returns the most recent record of a batch.
func (s *Store) LatestReconciliation(ctx context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error) {
	var rec model.ReconciliationRecord
	err := s.pool.QueryRow(ctx,
		`SELECT batch_id, staging_count, pending_count, excluded_count, final_count, discrepancy,
			unexplained, completed, cancelled, generated_at
		 FROM volumetria.reconciliation_records
		 WHERE batch_id = $1
		 ORDER BY id DESC
		 LIMIT 1`, batchID).Scan(&rec.BatchID, &rec.StagingCount, &rec.PendingCount, &rec.ExcludedCount,
		&rec.FinalCount, &rec.Discrepancy, &rec.Unexplained, &rec.Completed, &rec.Cancelled, &rec.GeneratedAt)
	if err != nil {
		return nil, notFound(err, "reconciliation", batchID)
	}
	return &rec, nil
}

// RaiseAlert stores an alert unless the same finding was already raised.
// It reports whether a new alert was stored.
func (s *Store) RaiseAlert(ctx context.Context, a *model.Alert) (bool, error) {
	created := a.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO volumetria.reconciliation_alerts (batch_id, kind, discrepancy, unexplained, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (batch_id, kind, discrepancy) DO NOTHING
		 RETURNING id, created_at`,
		a.BatchID, string(a.Kind), a.Discrepancy, a.Unexplained, a.Detail, created).Scan(&a.ID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return true, nil
}

// Alerts returns a batch's alerts, oldest first.
func (s *Store) Alerts(ctx context.Context, batchID uuid.UUID) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, kind, discrepancy, unexplained, detail, created_at
		 FROM volumetria.reconciliation_alerts WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select alerts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Alert, error) {
		var (
			a    model.Alert
			kind string
		)
		err := row.Scan(&a.ID, &a.BatchID, &kind, &a.Discrepancy, &a.Unexplained, &a.Detail, &a.CreatedAt)
		a.Kind = model.AlertKind(kind)
		return a, err
	})
}

// ArchiveBatch stores the closing reconciliation record, drops the batch's
// staging rows and marks it archived. It returns the rows deleted.
func (s *Store) ArchiveBatch(ctx context.Context, rec model.ReconciliationRecord) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE volumetria.batches SET status = 'archived' WHERE batch_id = $1`, rec.BatchID)
	if err != nil {
		return 0, fmt.Errorf("mark batch archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("batch %s: %w", rec.BatchID, model.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, insertRecord, recordArgs(rec)...); err != nil {
		return 0, fmt.Errorf("insert closing reconciliation: %w", err)
	}
	tag, err = tx.Exec(ctx, embedsql.DeleteStagingBatch, rec.BatchID)
	if err != nil {
		return 0, fmt.Errorf("delete staging batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FinalRows returns final rows matching the filter, ordered by batch and
// staging row id.
func (s *Store) FinalRows(ctx context.Context, f model.FinalRowFilter) ([]model.FinalRow, error) {
	var (
		batchID *uuid.UUID
		limit   *int
	)
	if f.BatchID != uuid.Nil {
		batchID = &f.BatchID
	}
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := s.pool.Query(ctx, embedsql.SelectFinalRows,
		batchID, f.ReferencePeriod, string(f.SourceCategory), string(f.BillingType), limit)
	if err != nil {
		return nil, fmt.Errorf("select final rows: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FinalRow, error) {
		var (
			r                          model.FinalRow
			category, billing, cliType string
		)
		err := row.Scan(&r.BatchID, &r.StagingRowID, &r.NaturalKey, &r.ReferencePeriod, &category, &r.SourceFile,
			&r.Client, &r.PatientID, &r.PatientName, &r.Study, &r.Accession, &r.Modality, &r.Specialty,
			&r.Category, &r.Priority, &r.Physician, &r.RealizedAt, &r.ReportedAt, &r.ValueCents,
			&billing, &cliType, &r.Fields)
		r.SourceCategory = model.FileCategory(category)
		r.BillingType = model.BillingType(billing)
		r.ClientType = model.ClientType(cliType)
		return r, err
	})
}
