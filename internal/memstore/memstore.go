// Package memstore is an in-memory implementation of the volumetria store.
// It backs dry runs and unit tests and mirrors the Postgres store's
// semantics: lot commits are all-or-nothing, the cursor is version-checked,
// and (batch_id, natural_key) is unique in the final table.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyeh/volumetria/internal/model"
)

type alertKey struct {
	batchID     uuid.UUID
	kind        model.AlertKind
	discrepancy int64
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	nextRowID   int64
	nextAlertID int64

	batches    map[uuid.UUID]*model.Batch
	staging    map[uuid.UUID][]*model.StagingRow
	finals     map[uuid.UUID]map[string]*model.FinalRow
	cursors    map[uuid.UUID]*model.BatchCursor
	exclusions map[uuid.UUID]map[int64]model.Exclusion
	ledger     map[uuid.UUID]map[string]*model.LedgerEntry
	audit      map[uuid.UUID][]model.AuditEvent
	records    map[uuid.UUID][]model.ReconciliationRecord
	alerts     map[uuid.UUID][]model.Alert
	alertSeen  map[alertKey]bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:        time.Now,
		batches:    make(map[uuid.UUID]*model.Batch),
		staging:    make(map[uuid.UUID][]*model.StagingRow),
		finals:     make(map[uuid.UUID]map[string]*model.FinalRow),
		cursors:    make(map[uuid.UUID]*model.BatchCursor),
		exclusions: make(map[uuid.UUID]map[int64]model.Exclusion),
		ledger:     make(map[uuid.UUID]map[string]*model.LedgerEntry),
		audit:      make(map[uuid.UUID][]model.AuditEvent),
		records:    make(map[uuid.UUID][]model.ReconciliationRecord),
		alerts:     make(map[uuid.UUID][]model.Alert),
		alertSeen:  make(map[alertKey]bool),
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateBatch registers a new batch. Batch ids are never reused.
func (s *Store) CreateBatch(_ context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.BatchID]; ok {
		return fmt.Errorf("batch %s already exists", b.BatchID)
	}
	cp := *b
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.batches[b.BatchID] = &cp
	return nil
}

// GetBatch returns a batch by id.
func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

// FindBatch returns the most recent staged or archived batch for a file.
func (s *Store) FindBatch(_ context.Context, sha string, category model.FileCategory, period model.Period) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *model.Batch
	for _, b := range s.batches {
		if b.SourceSHA256 != sha || b.FileCategory != category || b.ReferencePeriod != period {
			continue
		}
		if b.Status != model.BatchStaged && b.Status != model.BatchArchived {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = b
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// StageRows drains rows into the staging table in arrival order.
func (s *Store) StageRows(ctx context.Context, batchID uuid.UUID, rows <-chan *model.StagingRow) (int64, error) {
	var n int64
	for r := range rows {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s.mu.Lock()
		s.nextRowID++
		cp := *r
		cp.ID = s.nextRowID
		cp.BatchID = batchID
		cp.Fields = r.Fields.Clone()
		cp.Status = model.StatusPending
		cp.CreatedAt = s.now().UTC()
		s.staging[batchID] = append(s.staging[batchID], &cp)
		s.mu.Unlock()
		n++
	}
	return n, nil
}

// SetBatchStatus updates a batch's status and staged row count.
func (s *Store) SetBatchStatus(_ context.Context, id uuid.UUID, status model.BatchStatus, rowsStaged int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, model.ErrNotFound)
	}
	b.Status = status
	b.RowsStaged = rowsStaged
	return nil
}

// StagingRows returns every staging row of a batch in insertion order.
func (s *Store) StagingRows(_ context.Context, batchID uuid.UUID) ([]*model.StagingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.StagingRow, 0, len(s.staging[batchID]))
	for _, r := range s.staging[batchID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// PendingRows returns up to limit pending rows in insertion order.
func (s *Store) PendingRows(_ context.Context, batchID uuid.UUID, limit int) ([]*model.StagingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.StagingRow
	for _, r := range s.staging[batchID] {
		if r.Status != model.StatusPending {
			continue
		}
		cp := *r
		cp.Fields = r.Fields.Clone()
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetCursor returns the cursor of a batch.
func (s *Store) GetCursor(_ context.Context, batchID uuid.UUID) (*model.BatchCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[batchID]
	if !ok {
		return nil, fmt.Errorf("cursor %s: %w", batchID, model.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// CreateCursor inserts c unless a cursor already exists, and returns the
// stored cursor either way.
func (s *Store) CreateCursor(_ context.Context, c *model.BatchCursor) (*model.BatchCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cursors[c.BatchID]; ok {
		cp := *existing
		return &cp, nil
	}
	if _, ok := s.batches[c.BatchID]; !ok {
		return nil, fmt.Errorf("batch %s: %w", c.BatchID, model.ErrNotFound)
	}
	cp := *c
	now := s.now().UTC()
	cp.Version = 1
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.cursors[c.BatchID] = &cp
	out := cp
	return &out, nil
}

// UpdateCursor writes the mutable cursor fields if c.Version still matches
// the stored version, and returns the cursor with its new version.
func (s *Store) UpdateCursor(_ context.Context, c *model.BatchCursor) (*model.BatchCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[c.BatchID]
	if !ok {
		return nil, fmt.Errorf("cursor %s: %w", c.BatchID, model.ErrNotFound)
	}
	if cur.Version != c.Version {
		return nil, fmt.Errorf("cursor %s at version %d, have %d: %w",
			c.BatchID, cur.Version, c.Version, model.ErrCursorConflict)
	}
	cur.LotSize = c.LotSize
	cur.Completed = c.Completed
	cur.Cancelled = c.Cancelled
	cur.State = c.State
	cur.LastError = c.LastError
	cur.Version++
	cur.UpdatedAt = s.now().UTC()
	cp := *cur
	return &cp, nil
}

// CommitLot applies a lot atomically. Rows that are no longer pending are
// skipped, which makes replaying a lot a no-op.
func (s *Store) CommitLot(_ context.Context, lot *model.Lot) (*model.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[lot.BatchID]
	if !ok {
		return nil, fmt.Errorf("cursor %s: %w", lot.BatchID, model.ErrNotFound)
	}
	if cur.Version != lot.CursorVersion {
		return nil, fmt.Errorf("cursor %s at version %d, lot has %d: %w",
			lot.BatchID, cur.Version, lot.CursorVersion, model.ErrCursorConflict)
	}

	byID := make(map[int64]*model.StagingRow, len(lot.Rows))
	for _, r := range s.staging[lot.BatchID] {
		byID[r.ID] = r
	}
	for _, lr := range lot.Rows {
		if (lr.Final == nil) == (lr.Exclusion == nil) {
			return nil, fmt.Errorf("staging row %d: outcome must be final or excluded", lr.StagingRowID)
		}
	}

	now := lot.CommittedAt
	if now.IsZero() {
		now = s.now().UTC()
	}
	if s.finals[lot.BatchID] == nil {
		s.finals[lot.BatchID] = make(map[string]*model.FinalRow)
	}
	if s.exclusions[lot.BatchID] == nil {
		s.exclusions[lot.BatchID] = make(map[int64]model.Exclusion)
	}
	res := &model.CommitResult{Excluded: make(map[string]int64)}
	finals := s.finals[lot.BatchID]
	for _, lr := range lot.Rows {
		sr, ok := byID[lr.StagingRowID]
		if !ok || sr.Status != model.StatusPending {
			continue
		}
		sr.Status = model.StatusDone
		res.Consumed++
		touched := lr.Touched

		switch {
		case lr.Exclusion != nil:
			s.exclusions[lot.BatchID][sr.ID] = *lr.Exclusion
			res.Excluded[lr.Exclusion.RuleID]++
		default:
			if prev, dup := finals[lr.Final.NaturalKey]; dup && prev.StagingRowID != sr.ID {
				ex := model.Exclusion{StagingRowID: sr.ID, RuleID: lot.DedupRuleID, Reason: model.ReasonDuplicateKey}
				res.Duplicates = append(res.Duplicates, ex)
				if lot.DedupRuleID != "" {
					s.exclusions[lot.BatchID][sr.ID] = ex
					res.Excluded[lot.DedupRuleID]++
					touched = append(touched, model.RuleTouch{RuleID: lot.DedupRuleID, Effect: model.EffectExclude})
					s.audit[lot.BatchID] = append(s.audit[lot.BatchID], model.AuditEvent{
						BatchID: lot.BatchID, StagingRowID: sr.ID, RuleID: lot.DedupRuleID,
						Action: model.ActionExclude, CreatedAt: now,
						Detail: fmt.Sprintf("%s: first seen on staging row %d", model.ReasonDuplicateKey, prev.StagingRowID),
					})
				}
				break
			}
			fr := *lr.Final
			fr.Fields = lr.Final.Fields.Clone()
			finals[fr.NaturalKey] = &fr
			res.Inserted++
		}
		s.touch(lot.BatchID, touched, now)
		s.audit[lot.BatchID] = append(s.audit[lot.BatchID], lr.Events...)
	}

	cur.ResumeOffset += res.Consumed
	if s.pendingLocked(lot.BatchID) == 0 {
		cur.Completed = true
		cur.State = model.StateCompleted
	}
	cur.Version++
	cur.UpdatedAt = now
	res.Cursor = *cur
	return res, nil
}

func (s *Store) touch(batchID uuid.UUID, touched []model.RuleTouch, now time.Time) {
	if len(touched) == 0 {
		return
	}
	if s.ledger[batchID] == nil {
		s.ledger[batchID] = make(map[string]*model.LedgerEntry)
	}
	for _, t := range touched {
		e, ok := s.ledger[batchID][t.RuleID]
		if !ok {
			first := now
			e = &model.LedgerEntry{RuleID: t.RuleID, Effect: t.Effect, Applied: true, FirstAppliedAt: &first}
			s.ledger[batchID][t.RuleID] = e
		}
		last := now
		e.LastAppliedAt = &last
		e.RowsAffected++
	}
}

func (s *Store) pendingLocked(batchID uuid.UUID) int64 {
	var n int64
	for _, r := range s.staging[batchID] {
		if r.Status == model.StatusPending {
			n++
		}
	}
	return n
}

// Counts gathers staging, pending, final and per-rule excluded counts.
func (s *Store) Counts(_ context.Context, batchID uuid.UUID) (model.BatchCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return model.BatchCounts{}, fmt.Errorf("batch %s: %w", batchID, model.ErrNotFound)
	}
	c := model.BatchCounts{
		Staging:  int64(len(s.staging[batchID])),
		Pending:  s.pendingLocked(batchID),
		Final:    int64(len(s.finals[batchID])),
		Excluded: make(map[string]int64),
	}
	for _, ex := range s.exclusions[batchID] {
		c.Excluded[ex.RuleID]++
	}
	return c, nil
}

// Ledger returns the per-rule application entries of a batch, by rule id.
func (s *Store) Ledger(_ context.Context, batchID uuid.UUID) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LedgerEntry, 0, len(s.ledger[batchID]))
	for _, e := range s.ledger[batchID] {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

// AuditEvents returns a batch's audit log in write order, optionally for one
// rule. limit <= 0 means no limit.
func (s *Store) AuditEvents(_ context.Context, batchID uuid.UUID, ruleID string, limit int) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEvent
	for _, e := range s.audit[batchID] {
		if ruleID != "" && e.RuleID != ruleID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveReconciliation appends a reconciliation record.
func (s *Store) SaveReconciliation(_ context.Context, rec model.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.BatchID] = append(s.records[rec.BatchID], rec)
	return nil
}

// LatestReconciliation returns the most recent record of a batch.
func (s *Store) LatestReconciliation(_ context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[batchID]
	if len(recs) == 0 {
		return nil, fmt.Errorf("reconciliation %s: %w", batchID, model.ErrNotFound)
	}
	rec := recs[len(recs)-1]
	return &rec, nil
}

// RaiseAlert stores an alert unless the same finding was already raised.
// It reports whether a new alert was stored.
func (s *Store) RaiseAlert(_ context.Context, a *model.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := alertKey{batchID: a.BatchID, kind: a.Kind, discrepancy: a.Discrepancy}
	if s.alertSeen[k] {
		return false, nil
	}
	s.alertSeen[k] = true
	s.nextAlertID++
	a.ID = s.nextAlertID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	s.alerts[a.BatchID] = append(s.alerts[a.BatchID], *a)
	return true, nil
}

// Alerts returns a batch's alerts, oldest first.
func (s *Store) Alerts(_ context.Context, batchID uuid.UUID) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Alert(nil), s.alerts[batchID]...), nil
}

// ArchiveBatch stores the closing reconciliation record, drops the batch's
// staging rows and marks it archived. It returns the rows deleted.
func (s *Store) ArchiveBatch(_ context.Context, rec model.ReconciliationRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[rec.BatchID]
	if !ok {
		return 0, fmt.Errorf("batch %s: %w", rec.BatchID, model.ErrNotFound)
	}
	n := int64(len(s.staging[rec.BatchID]))
	s.records[rec.BatchID] = append(s.records[rec.BatchID], rec)
	delete(s.staging, rec.BatchID)
	b.Status = model.BatchArchived
	return n, nil
}

// FinalRows returns final rows matching the filter, ordered by batch and
// staging row id.
func (s *Store) FinalRows(_ context.Context, f model.FinalRowFilter) ([]model.FinalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FinalRow
	for batchID, rows := range s.finals {
		if f.BatchID != uuid.Nil && batchID != f.BatchID {
			continue
		}
		for _, r := range rows {
			if f.ReferencePeriod != "" && r.ReferencePeriod != f.ReferencePeriod {
				continue
			}
			if f.SourceCategory != "" && r.SourceCategory != f.SourceCategory {
				continue
			}
			if f.BillingType != "" && r.BillingType != f.BillingType {
				continue
			}
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID.String() < out[j].BatchID.String()
		}
		return out[i].StagingRowID < out[j].StagingRowID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
