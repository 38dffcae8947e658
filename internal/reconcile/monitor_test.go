package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/memstore"
	"github.com/gyeh/volumetria/internal/model"
)

var testNow = time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)

type alertCounter map[string]int

func (c alertCounter) ObserveAlert(kind string) { c[kind]++ }

func setup(t *testing.T, n int) (*memstore.Store, *model.Batch, *model.BatchCursor) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	st.SetClock(func() time.Time { return testNow })
	b := &model.Batch{
		BatchID:         uuid.New(),
		FileCategory:    model.CategoryStandardRetroactive,
		ReferencePeriod: model.Period{Year: 2025, Month: 9},
		SourceFile:      "padrao_2025-09.csv",
		Status:          model.BatchStaging,
	}
	if err := st.CreateBatch(ctx, b); err != nil {
		t.Fatal(err)
	}
	ch := make(chan *model.StagingRow, n)
	for i := 1; i <= n; i++ {
		ch <- &model.StagingRow{SourceRowNumber: int64(i), Fields: model.Fields{model.FieldPatientID: fmt.Sprint(i)}}
	}
	close(ch)
	if _, err := st.StageRows(ctx, b.BatchID, ch); err != nil {
		t.Fatal(err)
	}
	if err := st.SetBatchStatus(ctx, b.BatchID, model.BatchStaged, int64(n)); err != nil {
		t.Fatal(err)
	}
	cur, err := st.CreateCursor(ctx, &model.BatchCursor{BatchID: b.BatchID, CatalogVersion: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return st, b, cur
}

func final(batchID uuid.UUID, id int64, key string) model.LotRow {
	return model.LotRow{
		StagingRowID: id,
		Final:        &model.FinalRow{BatchID: batchID, StagingRowID: id, NaturalKey: key},
		Touched:      []model.RuleTouch{{RuleID: "v010", Effect: model.EffectMutate}, {RuleID: "v020", Effect: model.EffectClassify}},
	}
}

func excluded(id int64, rule string) model.LotRow {
	return model.LotRow{
		StagingRowID: id,
		Exclusion:    &model.Exclusion{StagingRowID: id, RuleID: rule, Reason: model.ReasonOutsideWindow},
		Touched:      []model.RuleTouch{{RuleID: rule, Effect: model.EffectExclude}},
	}
}

func newMonitor(t *testing.T, st Store) (*Monitor, alertCounter) {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	rec := alertCounter{}
	return New(st, cat, zerolog.Nop()).WithClock(func() time.Time { return testNow }).WithRecorder(rec), rec
}

func TestReconcileBalanced(t *testing.T) {
	ctx := context.Background()
	st, b, cur := setup(t, 4)
	lot := &model.Lot{
		BatchID:       b.BatchID,
		CursorVersion: cur.Version,
		DedupRuleID:   "v031",
		Rows: []model.LotRow{
			final(b.BatchID, 1, "k1"),
			excluded(2, "v003"),
			final(b.BatchID, 3, "k3"),
			final(b.BatchID, 4, "k1"),
		},
	}
	if _, err := st.CommitLot(ctx, lot); err != nil {
		t.Fatalf("CommitLot: %v", err)
	}

	m, alerts := newMonitor(t, st)
	rep, err := m.Query(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	rec := rep.Record
	if rec.StagingCount != 4 || rec.FinalCount != 2 || rec.ExcludedTotal() != 2 {
		t.Errorf("record = %+v", rec)
	}
	if rec.ExcludedCount["v003"] != 1 || rec.ExcludedCount["v031"] != 1 {
		t.Errorf("excluded = %v", rec.ExcludedCount)
	}
	if rec.Discrepancy != 0 || rec.Unexplained != 0 || !rec.Completed {
		t.Errorf("discrepancy=%d unexplained=%d completed=%v", rec.Discrepancy, rec.Unexplained, rec.Completed)
	}
	if len(rep.Alerts) != 0 || len(alerts) != 0 {
		t.Errorf("unexpected alerts %+v", rep.Alerts)
	}

	want := map[string]int64{"v003": 1, "v002": 0, "v010": 3, "v011": 0, "v012": 0, "v013": 0, "v014": 0, "v020": 3, "v031": 1}
	if len(rep.Ledger) != len(want) {
		t.Fatalf("ledger has %d entries: %+v", len(rep.Ledger), rep.Ledger)
	}
	if rep.Ledger[0].RuleID != "v003" || rep.Ledger[len(rep.Ledger)-1].RuleID != "v031" {
		t.Errorf("ledger not in catalog order: %+v", rep.Ledger)
	}
	for _, e := range rep.Ledger {
		if e.RowsAffected != want[e.RuleID] {
			t.Errorf("%s rows_affected = %d, want %d", e.RuleID, e.RowsAffected, want[e.RuleID])
		}
		if e.Applied != (want[e.RuleID] > 0) {
			t.Errorf("%s applied = %v", e.RuleID, e.Applied)
		}
		if e.Applied && (e.FirstAppliedAt == nil || e.LastAppliedAt == nil) {
			t.Errorf("%s has no timestamps", e.RuleID)
		}
	}
}

func TestSilentLossRaisesOneAlert(t *testing.T) {
	ctx := context.Background()
	st, b, cur := setup(t, 3)
	// No dedup rule: the colliding row is consumed but lands nowhere.
	lot := &model.Lot{
		BatchID:       b.BatchID,
		CursorVersion: cur.Version,
		Rows:          []model.LotRow{final(b.BatchID, 1, "k"), final(b.BatchID, 2, "k"), final(b.BatchID, 3, "z")},
	}
	if _, err := st.CommitLot(ctx, lot); err != nil {
		t.Fatalf("CommitLot: %v", err)
	}

	m, counter := newMonitor(t, st)
	rec, err := m.Reconcile(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Discrepancy != 1 || rec.Unexplained != 1 {
		t.Errorf("discrepancy=%d unexplained=%d, want 1/1", rec.Discrepancy, rec.Unexplained)
	}
	if _, err := m.Reconcile(ctx, b.BatchID); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	alerts, err := st.Alerts(ctx, b.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != model.AlertSilentLoss || alerts[0].Unexplained != 1 {
		t.Errorf("alerts = %+v", alerts)
	}
	if counter[string(model.AlertSilentLoss)] != 1 {
		t.Errorf("recorder saw %v", counter)
	}
	latest, err := st.LatestReconciliation(ctx, b.BatchID)
	if err != nil || latest.Unexplained != 1 {
		t.Errorf("latest = %+v, %v", latest, err)
	}
}

func TestPendingRowsAreExplained(t *testing.T) {
	ctx := context.Background()
	st, b, cur := setup(t, 5)
	lot := &model.Lot{BatchID: b.BatchID, CursorVersion: cur.Version, Rows: []model.LotRow{final(b.BatchID, 1, "a")}}
	if _, err := st.CommitLot(ctx, lot); err != nil {
		t.Fatal(err)
	}
	m, _ := newMonitor(t, st)
	rec, err := m.Compute(ctx, b.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Discrepancy != 4 || rec.PendingCount != 4 || rec.Unexplained != 0 || rec.Completed {
		t.Errorf("record = %+v", rec)
	}
}

func TestArchivedBatchReturnsClosingRecord(t *testing.T) {
	ctx := context.Background()
	st, b, cur := setup(t, 1)
	lot := &model.Lot{BatchID: b.BatchID, CursorVersion: cur.Version, Rows: []model.LotRow{final(b.BatchID, 1, "a")}}
	if _, err := st.CommitLot(ctx, lot); err != nil {
		t.Fatal(err)
	}
	m, _ := newMonitor(t, st)
	rec, err := m.Reconcile(ctx, b.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ArchiveBatch(ctx, *rec); err != nil {
		t.Fatal(err)
	}
	got, err := m.Reconcile(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Reconcile archived: %v", err)
	}
	if got.StagingCount != 1 || got.FinalCount != 1 || got.Unexplained != 0 {
		t.Errorf("archived record = %+v", got)
	}
}
