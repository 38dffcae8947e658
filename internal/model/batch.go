package model

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus tracks a batch through staging. Processing state lives on the
// BatchCursor.
type BatchStatus string

const (
	BatchStaging  BatchStatus = "staging"
	BatchStaged   BatchStatus = "staged"
	BatchFailed   BatchStatus = "failed"
	BatchArchived BatchStatus = "archived"
)

// Batch is one uploaded extract.
type Batch struct {
	BatchID         uuid.UUID    `json:"batch_id"`
	FileCategory    FileCategory `json:"file_category"`
	ReferencePeriod Period       `json:"reference_period"`
	SourceFile      string       `json:"source_file"`
	SourceSHA256    string       `json:"source_sha256"`
	FileSizeBytes   int64        `json:"file_size_bytes"`
	RowsStaged      int64        `json:"rows_staged"`
	Status          BatchStatus  `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ProcessingStatus is the per-row staging status.
type ProcessingStatus string

const (
	StatusPending ProcessingStatus = "pending"
	StatusDone    ProcessingStatus = "done"
)

// StagingRow holds one raw extract row. Only Status ever changes after
// staging; corrections are carried by the derived FinalRow.
type StagingRow struct {
	ID              int64
	BatchID         uuid.UUID
	FileCategory    FileCategory
	SourceRowNumber int64
	Fields          Fields
	Status          ProcessingStatus
	CreatedAt       time.Time
}

// StagingColumns returns the ordered column names for COPY into
// volumetria.staging_rows.
func StagingColumns() []string {
	return []string{
		"batch_id",
		"file_category",
		"source_row_number",
		"fields",
		"processing_status",
	}
}

// CopyValues returns the row values in the same order as StagingColumns(),
// suitable for pgx CopyFromSource.
func (r *StagingRow) CopyValues() []any {
	status := r.Status
	if status == "" {
		status = StatusPending
	}
	return []any{
		r.BatchID,
		string(r.FileCategory),
		r.SourceRowNumber,
		map[string]string(r.Fields),
		string(status),
	}
}
