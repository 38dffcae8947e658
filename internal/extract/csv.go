package extract

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// CSVReader streams a delimited extract. The delimiter (";" or ",") is
// sniffed from the header line.
type CSVReader struct {
	table
	file *os.File
	csv  *csv.Reader
}

// OpenCSV opens a CSV extract and reads its header.
func OpenCSV(path string) (*CSVReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	br := bufio.NewReaderSize(file, 256*1024)

	// Skip UTF-8 BOM if present
	bom, err := br.Peek(3)
	if err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}

	reader := csv.NewReader(br)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.Comma = sniffDelimiter(br)

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	return &CSVReader{table: newTable(header), file: file, csv: reader}, nil
}

func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	if bytes.Count(peek, []byte{';'}) > bytes.Count(peek, []byte{','}) {
		return ';'
	}
	return ','
}

// Read returns the next non-blank record.
func (r *CSVReader) Read() (Record, error) {
	for {
		cells, err := r.csv.Read()
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err != nil {
			return Record{}, fmt.Errorf("read csv row %d: %w", r.row+1, err)
		}
		if rec, ok := r.record(cells, nil); ok {
			return rec, nil
		}
	}
}

// Close releases the file.
func (r *CSVReader) Close() error {
	return r.file.Close()
}
