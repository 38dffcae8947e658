// Package reconcile recounts batches, keeps the per-rule application ledger
// and raises durable alerts when rows go missing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/model"
)

// Store is the persistence the monitor needs.
type Store interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	GetCursor(ctx context.Context, batchID uuid.UUID) (*model.BatchCursor, error)
	Counts(ctx context.Context, batchID uuid.UUID) (model.BatchCounts, error)
	Ledger(ctx context.Context, batchID uuid.UUID) ([]model.LedgerEntry, error)
	SaveReconciliation(ctx context.Context, rec model.ReconciliationRecord) error
	LatestReconciliation(ctx context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error)
	RaiseAlert(ctx context.Context, a *model.Alert) (bool, error)
	Alerts(ctx context.Context, batchID uuid.UUID) ([]model.Alert, error)
}

// Recorder receives alert metrics.
type Recorder interface {
	ObserveAlert(kind string)
}

// Report answers a reconciliation query.
type Report struct {
	Batch  *model.Batch               `json:"batch"`
	Record model.ReconciliationRecord `json:"record"`
	Ledger []model.LedgerEntry        `json:"ledger"`
	Alerts []model.Alert              `json:"alerts"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	store    Store
	catalog  *catalog.Catalog
	log      zerolog.Logger
	now      func() time.Time
	recorder Recorder
}

// New creates a Monitor. The catalog supplies the rules a batch's ledger is
// expected to list.
func New(store Store, cat *catalog.Catalog, log zerolog.Logger) *Monitor {
	return &Monitor{store: store, catalog: cat, log: log, now: time.Now}
}

// WithRecorder attaches a metrics recorder.
func (m *Monitor) WithRecorder(r Recorder) *Monitor {
	m.recorder = r
	return m
}

// WithClock replaces the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Reconcile recounts a batch, persists the record and raises alerts for any
// unexplained difference. Archived batches return their closing record.
func (m *Monitor) Reconcile(ctx context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if b.Status == model.BatchArchived {
		return m.store.LatestReconciliation(ctx, batchID)
	}
	rec, err := m.Compute(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveReconciliation(ctx, *rec); err != nil {
		return nil, fmt.Errorf("save reconciliation: %w", err)
	}
	if err := m.alert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Compute derives the current record without persisting anything.
func (m *Monitor) Compute(ctx context.Context, batchID uuid.UUID) (*model.ReconciliationRecord, error) {
	counts, err := m.store.Counts(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("count batch: %w", err)
	}
	rec := model.NewReconciliationRecord(batchID, counts, m.now().UTC())
	cur, err := m.store.GetCursor(ctx, batchID)
	switch {
	case err == nil:
		rec.Completed = cur.Completed
		rec.Cancelled = cur.Cancelled
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	return &rec, nil
}

func (m *Monitor) alert(ctx context.Context, rec *model.ReconciliationRecord) error {
	var alerts []model.Alert
	if rec.Unexplained != 0 {
		alerts = append(alerts, model.Alert{
			BatchID:     rec.BatchID,
			Kind:        model.AlertSilentLoss,
			Discrepancy: rec.Discrepancy,
			Unexplained: rec.Unexplained,
			Detail: fmt.Sprintf("staged %d, final %d, excluded %d, pending %d: %d rows not attributed to any rule",
				rec.StagingCount, rec.FinalCount, rec.ExcludedTotal(), rec.PendingCount, rec.Unexplained),
		})
	}
	if rec.Cancelled && rec.PendingCount > 0 {
		alerts = append(alerts, model.Alert{
			BatchID:     rec.BatchID,
			Kind:        model.AlertCancelledUnprocessed,
			Discrepancy: rec.Discrepancy,
			Unexplained: rec.Unexplained,
			Detail:      fmt.Sprintf("batch cancelled with %d staging rows unprocessed", rec.PendingCount),
		})
	}
	for i := range alerts {
		a := &alerts[i]
		a.CreatedAt = rec.GeneratedAt
		raised, err := m.store.RaiseAlert(ctx, a)
		if err != nil {
			return fmt.Errorf("raise %s alert: %w", a.Kind, err)
		}
		if !raised {
			continue
		}
		ev := m.log.Warn()
		if a.Kind == model.AlertSilentLoss {
			ev = m.log.Error()
		}
		ev.Str("batch_id", a.BatchID.String()).Str("alert", string(a.Kind)).
			Int64("discrepancy", a.Discrepancy).Int64("unexplained", a.Unexplained).Msg(a.Detail)
		if m.recorder != nil {
			m.recorder.ObserveAlert(string(a.Kind))
		}
	}
	return nil
}

// Query reconciles a batch and returns the record with its rule ledger and
// alerts.
func (m *Monitor) Query(ctx context.Context, batchID uuid.UUID) (*Report, error) {
	rec, err := m.Reconcile(ctx, batchID)
	if err != nil {
		return nil, err
	}
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	stored, err := m.store.Ledger(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	alerts, err := m.store.Alerts(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	return &Report{
		Batch:  b,
		Record: *rec,
		Ledger: m.mergeLedger(b.FileCategory, stored),
		Alerts: alerts,
	}, nil
}

// mergeLedger lists every catalog rule for the category in order, marking
// the ones that never fired as not applied. Stored entries for rules no
// longer in the catalog are appended.
func (m *Monitor) mergeLedger(cat model.FileCategory, stored []model.LedgerEntry) []model.LedgerEntry {
	byID := make(map[string]model.LedgerEntry, len(stored))
	for _, e := range stored {
		byID[e.RuleID] = e
	}
	var out []model.LedgerEntry
	if m.catalog != nil {
		for _, r := range m.catalog.RulesFor(cat) {
			if e, ok := byID[r.ID]; ok {
				out = append(out, e)
				delete(byID, r.ID)
				continue
			}
			out = append(out, model.LedgerEntry{RuleID: r.ID, Effect: r.Effect})
		}
	}
	for _, e := range stored {
		if _, ok := byID[e.RuleID]; ok {
			out = append(out, e)
		}
	}
	return out
}
