package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/config"
	"github.com/gyeh/volumetria/internal/ingest"
	"github.com/gyeh/volumetria/internal/memstore"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/reconcile"
)

// writeExtract writes a semicolon-delimited retroactive extract with n rows.
// Every fifth row was realized inside the reference month.
func writeExtract(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Empresa;Código Paciente;Estudo Descrição;Modalidade;Prioridade;Data Realização;Hora Realização;Data Laudo;Valores\n")
	for i := 1; i <= n; i++ {
		realized := "20/08/2025"
		if i%5 == 0 {
			realized = "03/09/2025"
		}
		fmt.Fprintf(&b, "Hosp São Lucas Ltda;P-%04d;MAMOGRAFIA BILATERAL;CR;rotina;%s;09:%02d;12/09/2025;\n", i, realized, i%60)
	}
	path := filepath.Join(t.TempDir(), "retro_2025-09.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type harness struct {
	store *memstore.Store
	deps  ingest.Deps
	cfg   *config.Config
}

func newHarness(t *testing.T, path string) *harness {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	st := memstore.New()
	log := zerolog.Nop()
	mon := reconcile.New(st, cat, log)
	proc := batch.New(st, cat, log, batch.Options{LotSize: 5, MaxLots: 1, Reconciler: mon})
	return &harness{
		store: st,
		deps:  ingest.Deps{Store: st, Processor: proc, Reconciler: mon},
		cfg: &config.Config{
			FilePath:        path,
			FileCategory:    string(model.CategoryStandardRetroactive),
			ReferencePeriod: "2025-09",
			Process:         true,
		},
	}
}

func TestRunStagesProcessesAndArchives(t *testing.T) {
	h := newHarness(t, writeExtract(t, 20))
	ctx := context.Background()

	summary, err := ingest.Run(ctx, h.deps, zerolog.Nop(), h.cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.RowsRead != 20 || summary.RowsStaged != 20 || summary.RowsSkipped != 0 {
		t.Errorf("read=%d staged=%d skipped=%d", summary.RowsRead, summary.RowsStaged, summary.RowsSkipped)
	}
	if summary.Invocations != 4 || !summary.Completed {
		t.Errorf("invocations=%d completed=%v, want 4/true", summary.Invocations, summary.Completed)
	}
	if summary.RowsFinal != 16 || summary.RowsExcluded != 4 || summary.Unexplained != 0 {
		t.Errorf("final=%d excluded=%d unexplained=%d", summary.RowsFinal, summary.RowsExcluded, summary.Unexplained)
	}
	if !summary.Archived {
		t.Error("batch was not archived")
	}

	finals, err := h.store.FinalRows(ctx, model.FinalRowFilter{ReferencePeriod: "2025-09"})
	if err != nil {
		t.Fatalf("FinalRows: %v", err)
	}
	if len(finals) != 16 {
		t.Fatalf("final rows = %d, want 16", len(finals))
	}
	for _, fr := range finals {
		if fr.Modality != "MG" || fr.Client != "HOSPITAL SAO LUCAS" {
			t.Errorf("row %d: modality=%s client=%s", fr.StagingRowID, fr.Modality, fr.Client)
			break
		}
	}

	t.Run("same file is skipped", func(t *testing.T) {
		again, err := ingest.Run(ctx, h.deps, zerolog.Nop(), h.cfg)
		if err != nil {
			t.Fatalf("Run again: %v", err)
		}
		if !again.AlreadyStaged || again.BatchID != summary.BatchID || !again.Archived {
			t.Errorf("second run = %+v", again)
		}
	})

	t.Run("force stages a new batch", func(t *testing.T) {
		forced := *h.cfg
		forced.Force = true
		forced.Process = false
		again, err := ingest.Run(ctx, h.deps, zerolog.Nop(), &forced)
		if err != nil {
			t.Fatalf("Run forced: %v", err)
		}
		if again.AlreadyStaged || again.BatchID == summary.BatchID || again.RowsStaged != 20 {
			t.Errorf("forced run = %+v", again)
		}
	})
}

func TestRunKeepStaging(t *testing.T) {
	h := newHarness(t, writeExtract(t, 6))
	h.cfg.KeepStaging = true

	summary, err := ingest.Run(context.Background(), h.deps, zerolog.Nop(), h.cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Archived {
		t.Error("archived despite KeepStaging")
	}
	if summary.Unexplained != 0 || summary.RowsFinal != 5 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunPreflightErrors(t *testing.T) {
	dir := t.TempDir()
	noPatient := filepath.Join(dir, "no_patient.csv")
	os.WriteFile(noPatient, []byte("Empresa;Estudo;Data Realizacao;Data Laudo\nX;Y;01/08/2025;10/09/2025\n"), 0644)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad category", func(c *config.Config) { c.FileCategory = "weekly" }},
		{"bad period", func(c *config.Config) { c.ReferencePeriod = "2025" }},
		{"missing patient column", func(c *config.Config) { c.FilePath = noPatient }},
		{"unknown format", func(c *config.Config) { c.FilePath = filepath.Join(dir, "x.json") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, writeExtract(t, 1))
			tt.mutate(h.cfg)
			_, err := ingest.Run(context.Background(), h.deps, zerolog.Nop(), h.cfg)
			var pe *ingest.PipelineError
			if !errors.As(err, &pe) || pe.Phase != "preflight" {
				t.Fatalf("err = %v, want preflight PipelineError", err)
			}
		})
	}
}

func TestArchiveRefusesUnfinishedBatch(t *testing.T) {
	h := newHarness(t, writeExtract(t, 10))
	h.cfg.Process = false
	ctx := context.Background()

	summary, err := ingest.Run(ctx, h.deps, zerolog.Nop(), h.cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := h.store.FindBatch(ctx, summary.FileSHA256, model.CategoryStandardRetroactive, model.Period{Year: 2025, Month: 9})
	if err != nil {
		t.Fatalf("FindBatch: %v", err)
	}

	_, err = ingest.Archive(ctx, h.store, h.deps.Reconciler, zerolog.Nop(), b.BatchID)
	if batch.KindOf(err) != batch.KindInvalidRequest {
		t.Fatalf("archive unprocessed err = %v, want invalid_request", err)
	}

	// One invocation leaves the batch suspended.
	if _, err := h.deps.Processor.Invoke(ctx, batch.Request{BatchID: b.BatchID}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, err = ingest.Archive(ctx, h.store, h.deps.Reconciler, zerolog.Nop(), b.BatchID)
	if batch.KindOf(err) != batch.KindInvalidRequest {
		t.Fatalf("archive suspended err = %v, want invalid_request", err)
	}

	if _, err := ingest.Process(ctx, h.deps.Processor, zerolog.Nop(), b.BatchID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	rec, err := ingest.Archive(ctx, h.store, h.deps.Reconciler, zerolog.Nop(), b.BatchID)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if rec.StagingCount != 10 || rec.FinalCount != 8 || rec.Discrepancy != 0 {
		t.Errorf("closing record = %+v", rec)
	}
	rows, _ := h.store.StagingRows(ctx, b.BatchID)
	if len(rows) != 0 {
		t.Errorf("staging rows left = %d", len(rows))
	}
	if _, err := ingest.Archive(ctx, h.store, h.deps.Reconciler, zerolog.Nop(), b.BatchID); batch.KindOf(err) != batch.KindInvalidRequest {
		t.Errorf("second archive err = %v", err)
	}
}
