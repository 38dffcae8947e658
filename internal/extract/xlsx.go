package extract

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/gyeh/volumetria/internal/model"
)

// XLSXReader streams the first worksheet of a workbook. Cells are read raw
// so date and time cells arrive as Excel serials and are rendered here.
type XLSXReader struct {
	table
	file *excelize.File
	rows *excelize.Rows
}

// OpenXLSX opens a workbook and reads the header row of its first sheet.
func OpenXLSX(path string) (*XLSXReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("xlsx has no worksheets")
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open sheet %s: %w", sheets[0], err)
	}
	if !rows.Next() {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("sheet %s has no header row", sheets[0])
	}
	header, err := rows.Columns()
	if err != nil {
		rows.Close()
		f.Close()
		return nil, fmt.Errorf("read xlsx header: %w", err)
	}
	return &XLSXReader{table: newTable(header), file: f, rows: rows}, nil
}

// Read returns the next non-blank record.
func (r *XLSXReader) Read() (Record, error) {
	for r.rows.Next() {
		cells, err := r.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return Record{}, fmt.Errorf("read xlsx row %d: %w", r.row+1, err)
		}
		if rec, ok := r.record(cells, serialCell); ok {
			return rec, nil
		}
	}
	if err := r.rows.Error(); err != nil {
		return Record{}, fmt.Errorf("read xlsx rows: %w", err)
	}
	return Record{}, io.EOF
}

// serialCell renders numeric date and time cells. Anything else passes
// through untouched.
func serialCell(col, v string) string {
	switch col {
	case model.FieldRealizedDate, model.FieldReportDate:
		serial, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		t, err := excelize.ExcelDateToTime(math.Floor(serial), false)
		if err != nil {
			return v
		}
		return t.Format("2006-01-02")
	case model.FieldRealizedTime, model.FieldReportTime:
		serial, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return v
		}
		_, frac := math.Modf(serial)
		secs := int(math.Round(frac * 86400))
		return fmt.Sprintf("%02d:%02d:%02d", secs/3600%24, secs/60%60, secs%60)
	}
	return v
}

// Close releases the workbook.
func (r *XLSXReader) Close() error {
	rerr := r.rows.Close()
	if err := r.file.Close(); err != nil {
		return err
	}
	return rerr
}
