// Package extract streams volumetria extracts (.xlsx, .parquet, .csv) as
// records keyed by canonical column name.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gyeh/volumetria/internal/model"
)

// Record is one non-blank data row. Row is the 1-based data row ordinal,
// counting skipped blank rows, so it stays stable across re-reads.
type Record struct {
	Row    int64
	Fields model.Fields
}

// Reader streams records. Read returns io.EOF after the last record.
type Reader interface {
	Columns() []string
	Read() (Record, error)
	Skipped() int64
	Close() error
}

// Open picks a reader by file extension.
func Open(path string) (Reader, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx", ".xlsm":
		return OpenXLSX(path)
	case ".parquet":
		return OpenParquet(path)
	case ".csv", ".txt":
		return OpenCSV(path)
	default:
		return nil, fmt.Errorf("unsupported extract format %q", ext)
	}
}

// table maps positional cells onto canonical columns. Unnamed columns and
// repeated names after the first are dropped.
type table struct {
	columns []string
	keep    []bool
	row     int64
	skipped int64
}

func newTable(header []string) table {
	t := table{columns: make([]string, len(header)), keep: make([]bool, len(header))}
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		c := CanonicalColumn(h)
		t.columns[i] = c
		if c != "" && !seen[c] {
			seen[c] = true
			t.keep[i] = true
		}
	}
	return t
}

// Columns returns the kept canonical columns in file order.
func (t *table) Columns() []string {
	out := make([]string, 0, len(t.columns))
	for i, c := range t.columns {
		if t.keep[i] {
			out = append(out, c)
		}
	}
	return out
}

// Skipped returns how many fully blank rows were dropped so far.
func (t *table) Skipped() int64 {
	return t.skipped
}

// record builds a Record from one row of cells, or reports false when every
// cell is blank.
func (t *table) record(cells []string, conv func(col, v string) string) (Record, bool) {
	t.row++
	f := make(model.Fields, len(t.columns))
	blank := true
	for i, v := range cells {
		if i >= len(t.columns) || !t.keep[i] {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if conv != nil {
			v = conv(t.columns[i], v)
		}
		blank = false
		f[t.columns[i]] = v
	}
	if blank {
		t.skipped++
		return Record{}, false
	}
	return Record{Row: t.row, Fields: f}, true
}
