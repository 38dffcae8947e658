package extract

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/gyeh/volumetria/internal/model"
)

const parquetBatch = 256

// ParquetReader streams ExtractRow records from a Parquet extract.
type ParquetReader struct {
	file    *os.File
	reader  *parquet.GenericReader[model.ExtractRow]
	columns []string
	buf     []model.ExtractRow
	n, i    int
	row     int64
	skipped int64
	eof     bool
}

// OpenParquet opens a Parquet extract.
func OpenParquet(path string) (*ParquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	var columns []string
	for _, field := range pf.Schema().Fields() {
		if c := CanonicalColumn(field.Name()); c != "" {
			columns = append(columns, c)
		}
	}

	return &ParquetReader{
		file:    f,
		reader:  parquet.NewGenericReader[model.ExtractRow](pf),
		columns: columns,
		buf:     make([]model.ExtractRow, parquetBatch),
	}, nil
}

// Columns returns the canonical names of the file's top-level columns.
func (r *ParquetReader) Columns() []string {
	return r.columns
}

// NumRows returns the total number of rows in the Parquet file.
func (r *ParquetReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Skipped returns how many fully blank rows were dropped so far.
func (r *ParquetReader) Skipped() int64 {
	return r.skipped
}

// Read returns the next non-blank record.
func (r *ParquetReader) Read() (Record, error) {
	for {
		if r.i == r.n {
			if r.eof {
				return Record{}, io.EOF
			}
			n, err := r.reader.Read(r.buf)
			if err != nil && err != io.EOF {
				return Record{}, fmt.Errorf("read parquet rows: %w", err)
			}
			r.n, r.i, r.eof = n, 0, err == io.EOF
			if n == 0 {
				continue
			}
		}
		row := &r.buf[r.i]
		r.i++
		r.row++
		f := row.Fields()
		if blankFields(f) {
			r.skipped++
			continue
		}
		return Record{Row: r.row, Fields: f}, nil
	}
}

func blankFields(f model.Fields) bool {
	for _, v := range f {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Close releases all resources.
func (r *ParquetReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
