package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/memstore"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/reconcile"
)

var testNow = time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

// stagingFields builds row i of a synthetic retroactive extract. Every tenth
// row was realized inside the reference month and is excluded by v003.
func stagingFields(i int) model.Fields {
	realized := "20/08/2025"
	if i%10 == 0 {
		realized = "05/09/2025"
	}
	return model.Fields{
		model.FieldClient:       "CLINICA VIDA MAIS",
		model.FieldPatientID:    fmt.Sprintf("P-%05d", i),
		model.FieldStudy:        "TC CRANIO",
		model.FieldModality:     "CT",
		model.FieldPriority:     "ROTINA",
		model.FieldRealizedDate: realized,
		model.FieldReportDate:   "12/09/2025",
		model.FieldValue:        "110,00",
	}
}

func stageBatch(t *testing.T, st *memstore.Store, n int, fields func(int) model.Fields) *model.Batch {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{
		BatchID:         uuid.New(),
		FileCategory:    model.CategoryStandardRetroactive,
		ReferencePeriod: model.Period{Year: 2025, Month: 9},
		SourceFile:      "retro_2025-09.xlsx",
		SourceSHA256:    "abc",
		Status:          model.BatchStaging,
	}
	if err := st.CreateBatch(ctx, b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	ch := make(chan *model.StagingRow, n)
	for i := 1; i <= n; i++ {
		ch <- &model.StagingRow{FileCategory: b.FileCategory, SourceRowNumber: int64(i), Fields: fields(i)}
	}
	close(ch)
	staged, err := st.StageRows(ctx, b.BatchID, ch)
	if err != nil {
		t.Fatalf("StageRows: %v", err)
	}
	if err := st.SetBatchStatus(ctx, b.BatchID, model.BatchStaged, staged); err != nil {
		t.Fatalf("SetBatchStatus: %v", err)
	}
	b.Status, b.RowsStaged = model.BatchStaged, staged
	return b
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	return cat
}

func newProcessor(t *testing.T, st Store, rs reconcile.Store, opts Options) *Processor {
	t.Helper()
	cat := defaultCatalog(t)
	opts.Now = clock
	if rs != nil {
		opts.Reconciler = reconcile.New(rs, cat, zerolog.Nop()).WithClock(clock)
	}
	return New(st, cat, zerolog.Nop(), opts)
}

func finalKeys(t *testing.T, st *memstore.Store, batchID uuid.UUID) []string {
	t.Helper()
	rows, err := st.FinalRows(context.Background(), model.FinalRowFilter{BatchID: batchID})
	if err != nil {
		t.Fatalf("FinalRows: %v", err)
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.NaturalKey
	}
	sort.Strings(keys)
	return keys
}

func offset(n int64) *int64 { return &n }

func TestResumeAfterSuspension(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	b := stageBatch(t, st, 300, stagingFields)

	p := newProcessor(t, st, st, Options{LotSize: 100, MaxLots: 1})
	resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
	if err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	if resp.Completed || resp.State != model.StateSuspended {
		t.Fatalf("first call: completed=%v state=%s", resp.Completed, resp.State)
	}
	if resp.RowsConsumed != 100 || resp.RowsSurviving != 90 {
		t.Errorf("first call consumed=%d surviving=%d, want 100/90", resp.RowsConsumed, resp.RowsSurviving)
	}
	if resp.NextResumeOffset == nil || *resp.NextResumeOffset != 100 {
		t.Fatalf("next_resume_offset = %v, want 100", resp.NextResumeOffset)
	}

	p = newProcessor(t, st, st, Options{LotSize: 100})
	resp, err = p.Invoke(ctx, Request{BatchID: b.BatchID})
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if !resp.Completed || resp.State != model.StateCompleted {
		t.Fatalf("second call: completed=%v state=%s", resp.Completed, resp.State)
	}
	if resp.RowsConsumed != 200 || resp.RowsSurviving != 180 {
		t.Errorf("second call consumed=%d surviving=%d, want 200/180", resp.RowsConsumed, resp.RowsSurviving)
	}
	if resp.NextResumeOffset != nil {
		t.Errorf("next_resume_offset = %d, want null", *resp.NextResumeOffset)
	}

	rec := resp.Reconciliation
	if rec == nil {
		t.Fatal("no reconciliation record")
	}
	if rec.StagingCount != 300 || rec.FinalCount != 270 || rec.ExcludedCount["v003"] != 30 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Discrepancy != 0 || rec.Unexplained != 0 {
		t.Errorf("discrepancy=%d unexplained=%d", rec.Discrepancy, rec.Unexplained)
	}

	// The same extract processed in one go yields the same final rows.
	single := memstore.New()
	b2 := stageBatch(t, single, 300, stagingFields)
	if _, err := newProcessor(t, single, nil, Options{LotSize: 1000}).Invoke(ctx, Request{BatchID: b2.BatchID}); err != nil {
		t.Fatalf("single Invoke: %v", err)
	}
	got, want := finalKeys(t, st, b.BatchID), finalKeys(t, single, b2.BatchID)
	if len(got) != len(want) {
		t.Fatalf("final rows = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("final key %d differs", i)
		}
	}
}

func TestIdempotentReinvocation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	b := stageBatch(t, st, 250, stagingFields)
	p := newProcessor(t, st, st, Options{LotSize: 100, MaxLots: 1})

	if _, err := p.Invoke(ctx, Request{BatchID: b.BatchID, ResumeOffset: offset(0)}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	before := finalKeys(t, st, b.BatchID)

	t.Run("replay of committed offset", func(t *testing.T) {
		resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID, ResumeOffset: offset(0)})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if resp.RowsConsumed != 0 || resp.Lots != 0 {
			t.Errorf("replay consumed %d rows in %d lots", resp.RowsConsumed, resp.Lots)
		}
		if resp.NextResumeOffset == nil || *resp.NextResumeOffset != 100 {
			t.Errorf("next_resume_offset = %v", resp.NextResumeOffset)
		}
		after := finalKeys(t, st, b.BatchID)
		if len(after) != len(before) {
			t.Errorf("final count changed: %d -> %d", len(before), len(after))
		}
	})

	t.Run("offset ahead of cursor", func(t *testing.T) {
		resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID, ResumeOffset: offset(200)})
		if KindOf(err) != KindCursorConflict {
			t.Fatalf("err = %v, want cursor_conflict", err)
		}
		if resp.Success || resp.ErrorKind != KindCursorConflict || resp.ResumeOffset != 100 {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("run to completion then re-invoke", func(t *testing.T) {
		full := newProcessor(t, st, st, Options{LotSize: 100})
		resp, err := full.Invoke(ctx, Request{BatchID: b.BatchID, ResumeOffset: offset(100)})
		if err != nil || !resp.Completed {
			t.Fatalf("Invoke: completed=%v err=%v", resp.Completed, err)
		}
		n := len(finalKeys(t, st, b.BatchID))
		resp, err = full.Invoke(ctx, Request{BatchID: b.BatchID})
		if err != nil {
			t.Fatalf("re-Invoke: %v", err)
		}
		if !resp.Completed || resp.RowsConsumed != 0 {
			t.Errorf("re-invoke: completed=%v consumed=%d", resp.Completed, resp.RowsConsumed)
		}
		if got := len(finalKeys(t, st, b.BatchID)); got != n {
			t.Errorf("final count changed on re-invoke: %d -> %d", n, got)
		}
		if resp.Reconciliation == nil || resp.Reconciliation.Unexplained != 0 {
			t.Errorf("reconciliation = %+v", resp.Reconciliation)
		}
	})
}

// flakyStore fails CommitLot on the given call number.
type flakyStore struct {
	*memstore.Store
	failOn int
	calls  int
}

func (s *flakyStore) CommitLot(ctx context.Context, lot *model.Lot) (*model.CommitResult, error) {
	s.calls++
	if s.calls == s.failOn {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.CommitLot(ctx, lot)
}

func TestCommitFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	b := stageBatch(t, mem, 300, stagingFields)
	st := &flakyStore{Store: mem, failOn: 2}

	p := newProcessor(t, st, mem, Options{LotSize: 100})
	resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
	if KindOf(err) != KindPersistence {
		t.Fatalf("err = %v, want persistence", err)
	}
	if resp.Success || resp.ResumeOffset != 100 {
		t.Errorf("resp success=%v resume_offset=%d, want false/100", resp.Success, resp.ResumeOffset)
	}
	cur, err := mem.GetCursor(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cur.State != model.StateFailed || cur.ResumeOffset != 100 || cur.LastError == "" {
		t.Errorf("cursor = %+v", cur)
	}
	counts, err := mem.Counts(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Pending != 200 || counts.Final != 90 {
		t.Errorf("counts = %+v, want 200 pending and 90 final", counts)
	}

	resp, err = p.Invoke(ctx, Request{BatchID: b.BatchID})
	if err != nil {
		t.Fatalf("retry Invoke: %v", err)
	}
	if !resp.Completed || resp.RowsConsumed != 200 {
		t.Errorf("retry: completed=%v consumed=%d", resp.Completed, resp.RowsConsumed)
	}
	if rec := resp.Reconciliation; rec == nil || rec.FinalCount != 270 || rec.Unexplained != 0 {
		t.Errorf("reconciliation = %+v", rec)
	}
}

// racingStore lets another worker advance the cursor just before each commit.
type racingStore struct {
	*memstore.Store
}

func (s *racingStore) CommitLot(ctx context.Context, lot *model.Lot) (*model.CommitResult, error) {
	cur, err := s.Store.GetCursor(ctx, lot.BatchID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.UpdateCursor(ctx, cur); err != nil {
		return nil, err
	}
	return s.Store.CommitLot(ctx, lot)
}

func TestConcurrentWriterLosesVersionCheck(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	b := stageBatch(t, mem, 50, stagingFields)
	p := newProcessor(t, &racingStore{Store: mem}, nil, Options{LotSize: 20})

	resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
	if KindOf(err) != KindCursorConflict {
		t.Fatalf("err = %v, want cursor_conflict", err)
	}
	if resp.Success {
		t.Error("conflicting invocation reported success")
	}
	counts, _ := mem.Counts(ctx, b.BatchID)
	if counts.Pending != 50 || counts.Final != 0 {
		t.Errorf("losing writer committed rows: %+v", counts)
	}
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (busyLocker) Release(context.Context, string, string) error { return nil }

func TestLockedBatchIsConflict(t *testing.T) {
	mem := memstore.New()
	b := stageBatch(t, mem, 5, stagingFields)
	p := newProcessor(t, mem, nil, Options{Locker: busyLocker{}})
	_, err := p.Invoke(context.Background(), Request{BatchID: b.BatchID})
	if KindOf(err) != KindCursorConflict {
		t.Fatalf("err = %v, want cursor_conflict", err)
	}
	if !errors.Is(err, model.ErrCursorConflict) {
		t.Error("lock conflict does not wrap ErrCursorConflict")
	}

	t.Run("reports committed offset", func(t *testing.T) {
		ctx := context.Background()
		mem := memstore.New()
		b := stageBatch(t, mem, 300, stagingFields)
		if _, err := newProcessor(t, mem, nil, Options{LotSize: 100, MaxLots: 1}).
			Invoke(ctx, Request{BatchID: b.BatchID}); err != nil {
			t.Fatalf("first Invoke: %v", err)
		}

		p := newProcessor(t, mem, nil, Options{LotSize: 100, Locker: busyLocker{}})
		resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
		if KindOf(err) != KindCursorConflict {
			t.Fatalf("err = %v, want cursor_conflict", err)
		}
		if resp.ResumeOffset != 100 {
			t.Errorf("response resume_offset = %d, want 100", resp.ResumeOffset)
		}
		var be *Error
		if !errors.As(err, &be) || be.ResumeOffset != 100 {
			t.Errorf("error = %+v, want resume offset 100", be)
		}
	})
}

func TestCancelBetweenLots(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	b := stageBatch(t, mem, 300, stagingFields)
	p := newProcessor(t, mem, mem, Options{LotSize: 100, MaxLots: 1})

	if _, err := p.Invoke(ctx, Request{BatchID: b.BatchID}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	cur, err := p.Cancel(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cur.Completed || !cur.Cancelled || cur.ResumeOffset != 100 {
		t.Errorf("cursor = %+v", cur)
	}

	resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
	if err != nil {
		t.Fatalf("Invoke after cancel: %v", err)
	}
	if !resp.Completed || resp.RowsConsumed != 0 {
		t.Errorf("after cancel: completed=%v consumed=%d", resp.Completed, resp.RowsConsumed)
	}
	rec := resp.Reconciliation
	if rec == nil {
		t.Fatal("no reconciliation")
	}
	if rec.Discrepancy != 200 || rec.PendingCount != 200 || rec.Unexplained != 0 || !rec.Cancelled {
		t.Errorf("record = %+v", rec)
	}
	alerts, _ := mem.Alerts(ctx, b.BatchID)
	if len(alerts) != 1 || alerts[0].Kind != model.AlertCancelledUnprocessed {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestDuplicateNaturalKeys(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	b := stageBatch(t, mem, 40, func(i int) model.Fields {
		f := stagingFields(i)
		if i > 20 {
			f[model.FieldPatientID] = fmt.Sprintf("P-%05d", i-20)
		}
		return f
	})
	p := newProcessor(t, mem, mem, Options{LotSize: 15})

	resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	rec := resp.Reconciliation
	// Rows 10 and 20 (and their copies 30 and 40) fall to v003 first.
	if rec.FinalCount != 18 || rec.ExcludedCount["v003"] != 4 || rec.ExcludedCount["v031"] != 18 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Unexplained != 0 {
		t.Errorf("unexplained = %d", rec.Unexplained)
	}
}

func TestDuplicateAcrossDateLayouts(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	b := stageBatch(t, mem, 2, func(i int) model.Fields {
		f := stagingFields(1)
		if i == 2 {
			f[model.FieldRealizedDate] = "2025-08-20"
			f[model.FieldReportDate] = "2025-09-12"
		}
		return f
	})
	p := newProcessor(t, mem, mem, Options{})

	resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	rec := resp.Reconciliation
	if rec.FinalCount != 1 || rec.ExcludedCount["v031"] != 1 || rec.Unexplained != 0 {
		t.Errorf("record = %+v", rec)
	}
	if keys := finalKeys(t, mem, b.BatchID); len(keys) != 1 {
		t.Errorf("final keys = %v", keys)
	}
}

func TestInvocationErrors(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	staged := stageBatch(t, mem, 10, stagingFields)
	p := newProcessor(t, mem, nil, Options{})

	t.Run("unknown batch", func(t *testing.T) {
		resp, err := p.Invoke(ctx, Request{BatchID: uuid.New()})
		if KindOf(err) != KindNotFound || resp.ErrorKind != KindNotFound {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("lot size too large", func(t *testing.T) {
		_, err := p.Invoke(ctx, Request{BatchID: staged.BatchID, LotSize: MaxLotSize + 1})
		if KindOf(err) != KindInvalidRequest {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("batch still staging", func(t *testing.T) {
		b := &model.Batch{BatchID: uuid.New(), FileCategory: model.CategoryStandard, Status: model.BatchStaging}
		if err := mem.CreateBatch(ctx, b); err != nil {
			t.Fatal(err)
		}
		_, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
		if KindOf(err) != KindInvalidRequest {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("catalog mismatch", func(t *testing.T) {
		b := stageBatch(t, mem, 3, stagingFields)
		if _, err := mem.CreateCursor(ctx, &model.BatchCursor{BatchID: b.BatchID, CatalogVersion: "2019.01.0"}); err != nil {
			t.Fatal(err)
		}
		_, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
		if KindOf(err) != KindCatalogMismatch {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("empty batch completes", func(t *testing.T) {
		b := stageBatch(t, mem, 0, stagingFields)
		resp, err := p.Invoke(ctx, Request{BatchID: b.BatchID})
		if err != nil || !resp.Completed {
			t.Fatalf("completed=%v err=%v", resp.Completed, err)
		}
	})
}
