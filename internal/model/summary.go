package model

import "time"

// IngestSummary captures metrics from a single extract ingest run.
type IngestSummary struct {
	FilePath        string
	FileSHA256      string
	BatchID         string
	FileCategory    FileCategory
	ReferencePeriod string
	RowsRead        int64
	RowsStaged      int64
	RowsSkipped     int64
	Invocations     int
	RowsFinal       int64
	RowsExcluded    int64
	Unexplained     int64
	Completed       bool
	AlreadyStaged   bool
	Archived        bool
	DurationStage   time.Duration
	DurationProcess time.Duration
	DurationTotal   time.Duration
}
