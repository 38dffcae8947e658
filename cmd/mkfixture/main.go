// mkfixture writes a synthetic volumetria extract for tests and demos, or
// prints column stats for an existing one.
// Usage: go run ./cmd/mkfixture --out testdata/retro_2025-09.xlsx --period 2025-09 --rows 500
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	goparquet "github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"

	"github.com/gyeh/volumetria/internal/extract"
	"github.com/gyeh/volumetria/internal/model"
)

var headers = []string{
	"Empresa", "Nome Paciente", "Código Paciente", "Estudo Descrição",
	"Accession Number", "Modalidade", "Prioridade", "Médico",
	"Especialidade", "Categoria", "Data Realização", "Hora Realização",
	"Data Laudo", "Hora Laudo", "Valores",
}

var clients = []string{
	"Hosp São Lucas Ltda",
	"Clinica Vida Mais",
	"Santa Casa de Misericórdia",
	"Imagem Sul Diagnosticos",
	"Centro Oncologico Norte",
}

type study struct {
	name, modality string
}

var studies = []study{
	{"RX TORAX PA E PERFIL", "CR"},
	{"RX COLUNA LOMBAR", "DX"},
	{"MAMOGRAFIA BILATERAL", "CR"},
	{"TC CRANIO", "CT"},
	{"TC TORAX", "CT"},
	{"RM JOELHO", "MR"},
	{"US ABDOME TOTAL", "US"},
	{"PET-CT ONCOLOGICO", "PT"},
	{"ANGIOTOMOGRAFIA CORONARIA", "CT"},
}

var (
	priorities  = []string{"rotina", "Rotina", "Urgência", "PS", "ambulatorial", ""}
	physicians  = []string{"Dr Carlos Mendes", "Dra Ana Ribeiro", "Dr Paulo Souza"}
	specialties = []string{"", "-", "N/A", "Neuro", "Mama"}
)

type traits struct {
	inMonth, lateReport, duplicate, malformed, blankValue, placeholder int
}

func main() {
	out := flag.String("out", "testdata/retro_2025-09.parquet", "output file (.parquet, .xlsx or .csv)")
	rows := flag.Int("rows", 200, "rows to write")
	periodFlag := flag.String("period", "2025-09", "reference period YYYY-MM")
	seed := flag.Int64("seed", 1, "random seed")
	check := flag.String("check", "", "print stats for an existing extract instead of writing one")
	flag.Parse()

	if *check != "" {
		if err := printStats(*check); err != nil {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
			os.Exit(1)
		}
		return
	}

	period, err := model.ParsePeriod(*periodFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	data, t := generate(rand.New(rand.NewSource(*seed)), period, *rows)

	switch strings.ToLower(filepath.Ext(*out)) {
	case ".parquet":
		err = writeParquet(*out, data)
	case ".xlsx":
		err = writeXLSX(*out, data)
	case ".csv":
		err = writeCSV(*out, data)
	default:
		err = fmt.Errorf("unsupported output extension %q", filepath.Ext(*out))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %d rows to %s\n", len(data), *out)
	fmt.Printf("  %-22s %d\n", "realized in period", t.inMonth)
	fmt.Printf("  %-22s %d\n", "report after window", t.lateReport)
	fmt.Printf("  %-22s %d\n", "duplicate key", t.duplicate)
	fmt.Printf("  %-22s %d\n", "malformed date", t.malformed)
	fmt.Printf("  %-22s %d\n", "blank value", t.blankValue)
	fmt.Printf("  %-22s %d\n", "placeholder specialty", t.placeholder)
}

func ptr(s string) *string { return &s }

func generate(rng *rand.Rand, period model.Period, n int) ([]model.ExtractRow, traits) {
	var t traits
	prev := period.FirstDay().AddDate(0, -1, 0)
	out := make([]model.ExtractRow, 0, n)
	for i := 1; i <= n; i++ {
		if i%25 == 0 && len(out) > 0 {
			out = append(out, out[len(out)-1])
			t.duplicate++
			continue
		}
		st := studies[rng.Intn(len(studies))]
		realized := prev.AddDate(0, 0, rng.Intn(28))
		if rng.Intn(10) == 0 {
			realized = period.Day(1 + rng.Intn(20))
			t.inMonth++
		}
		report := period.Day(8 + rng.Intn(20))
		if rng.Intn(20) == 0 {
			report = period.Next().Day(8 + rng.Intn(10))
			t.lateReport++
		}
		realizedText := realized.Format("02/01/2006")
		if i%50 == 0 {
			realizedText = "31/02/" + realized.Format("2006")
			t.malformed++
		}
		row := model.ExtractRow{
			Client:       clients[rng.Intn(len(clients))],
			PatientName:  ptr(fmt.Sprintf("PACIENTE %04d", i)),
			PatientID:    ptr(fmt.Sprintf("P-%06d", i)),
			Study:        st.name,
			Accession:    ptr(fmt.Sprintf("ACC%08d", 10000+i)),
			Modality:     ptr(st.modality),
			Priority:     ptr(priorities[rng.Intn(len(priorities))]),
			Physician:    ptr(physicians[rng.Intn(len(physicians))]),
			RealizedDate: ptr(realizedText),
			RealizedTime: ptr(realized.Add(time.Duration(7+rng.Intn(12)) * time.Hour).Format("15:04")),
			ReportDate:   ptr(report.Format("02/01/2006")),
			ReportTime:   ptr(fmt.Sprintf("%02d:%02d", 8+rng.Intn(10), rng.Intn(60))),
		}
		if sp := specialties[rng.Intn(len(specialties))]; sp != "" {
			row.Specialty = ptr(sp)
			if sp == "-" || sp == "N/A" {
				t.placeholder++
			}
		} else {
			t.placeholder++
		}
		if rng.Intn(5) == 0 {
			t.blankValue++
		} else {
			v := float64(25+rng.Intn(600)) + 0.5
			row.Value = &v
		}
		out = append(out, row)
	}
	return out, t
}

func cells(r model.ExtractRow) []string {
	s := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	f := r.Fields()
	return []string{
		r.Client, s(r.PatientName), s(r.PatientID), r.Study,
		s(r.Accession), s(r.Modality), s(r.Priority), s(r.Physician),
		s(r.Specialty), s(r.Category), s(r.RealizedDate), s(r.RealizedTime),
		s(r.ReportDate), s(r.ReportTime), f[model.FieldValue],
	}
}

func writeParquet(path string, data []model.ExtractRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := goparquet.NewGenericWriter[model.ExtractRow](f)
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

func writeXLSX(path string, data []model.ExtractRow) error {
	f := excelize.NewFile()
	defer f.Close()
	sw, err := f.NewStreamWriter("Sheet1")
	if err != nil {
		return err
	}
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	if err := sw.SetRow("A1", row); err != nil {
		return err
	}
	for i, r := range data {
		vals := cells(r)
		row := make([]interface{}, len(vals))
		for j, v := range vals {
			row[j] = v
		}
		if r.Value != nil {
			row[len(row)-1] = *r.Value
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func writeCSV(path string, data []model.ExtractRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write(headers); err != nil {
		return err
	}
	for _, r := range data {
		if err := w.Write(cells(r)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func printStats(path string) error {
	r, err := extract.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := extract.ValidateHeader(r.Columns()); err != nil {
		fmt.Printf("Header: INVALID (%v)\n", err)
	} else {
		fmt.Println("Header: OK")
	}

	filled := make(map[string]int)
	total := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		total++
		for k, v := range rec.Fields {
			if strings.TrimSpace(v) != "" {
				filled[k]++
			}
		}
	}
	fmt.Printf("Rows: %d (%d blank skipped)\n", total, r.Skipped())
	for _, c := range r.Columns() {
		fmt.Printf("  %-18s %d filled\n", c, filled[c])
	}
	return nil
}
