package db

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gyeh/volumetria/internal/model"
)

// CopyRow is a record that knows its COPY column values.
type CopyRow interface {
	CopyValues() []any
}

// ChannelSource implements pgx.CopyFromSource by reading rows from a channel.
// This provides natural backpressure between the extract reader and COPY writer.
type ChannelSource[T CopyRow] struct {
	ch      <-chan T
	current T
	prepare func(T)
	err     error
}

// NewChannelSource creates a CopyFromSource backed by a channel.
func NewChannelSource[T CopyRow](ch <-chan T) *ChannelSource[T] {
	return &ChannelSource[T]{ch: ch}
}

// Next advances to the next row. Returns false when the channel is closed.
func (s *ChannelSource[T]) Next() bool {
	row, ok := <-s.ch
	if !ok {
		return false
	}
	if s.prepare != nil {
		s.prepare(row)
	}
	s.current = row
	return true
}

// Values returns the current row's values in COPY column order.
func (s *ChannelSource[T]) Values() ([]any, error) {
	return s.current.CopyValues(), nil
}

// Err returns any error encountered during iteration.
func (s *ChannelSource[T]) Err() error {
	return s.err
}

// stagingSource pins every row to one batch and resets its status, so a
// producer cannot stage rows under the wrong batch.
func stagingSource(batchID uuid.UUID, ch <-chan *model.StagingRow) *ChannelSource[*model.StagingRow] {
	s := NewChannelSource(ch)
	s.prepare = func(r *model.StagingRow) {
		r.BatchID = batchID
		r.Status = model.StatusPending
	}
	return s
}

// Compile-time check that ChannelSource satisfies the interface.
var _ pgx.CopyFromSource = (*ChannelSource[*model.StagingRow])(nil)
