package model

import (
	"time"

	"github.com/google/uuid"
)

// CursorState is the batch processor state machine:
// not_started → running → (suspended | completed | failed).
type CursorState string

const (
	StateNotStarted CursorState = "not_started"
	StateRunning    CursorState = "running"
	StateSuspended  CursorState = "suspended"
	StateCompleted  CursorState = "completed"
	StateFailed     CursorState = "failed"
)

// BatchCursor is the persisted resume position of a batch. Version is bumped
// on every write and checked by compare-and-swap, so two workers can never
// advance the same cursor from the same starting point.
type BatchCursor struct {
	BatchID        uuid.UUID   `json:"batch_id"`
	ResumeOffset   int64       `json:"resume_offset"`
	LotSize        int         `json:"lot_size"`
	TotalRows      int64       `json:"total_rows"`
	Completed      bool        `json:"completed"`
	Cancelled      bool        `json:"cancelled"`
	State          CursorState `json:"state"`
	CatalogVersion string      `json:"catalog_version"`
	Version        int64       `json:"version"`
	LastError      string      `json:"last_error"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
