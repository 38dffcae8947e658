package model

import "errors"

var (
	// ErrNotFound is returned by stores when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCursorConflict is returned when a cursor write loses a version check.
	ErrCursorConflict = errors.New("cursor version conflict")
)
