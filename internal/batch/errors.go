package batch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind is the caller-visible failure class of an invocation.
type ErrorKind string

const (
	KindMalformedInput  ErrorKind = "malformed_input"
	KindLookupMiss      ErrorKind = "lookup_miss"
	KindPersistence     ErrorKind = "persistence"
	KindDiscrepancy     ErrorKind = "discrepancy"
	KindCursorConflict  ErrorKind = "cursor_conflict"
	KindCatalogMismatch ErrorKind = "catalog_mismatch"
	KindNotFound        ErrorKind = "not_found"
	KindInvalidRequest  ErrorKind = "invalid_request"
)

// Error is a batch-level failure. ResumeOffset is the last known-good cursor
// position, so a caller can retry without guessing.
type Error struct {
	Kind         ErrorKind
	BatchID      uuid.UUID
	ResumeOffset int64
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("batch %s: %s at offset %d: %v", e.BatchID, e.Kind, e.ResumeOffset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a batch error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
