package model

import (
	"time"

	"github.com/google/uuid"
)

// Exclusion attributes one dropped staging row to the rule that dropped it.
type Exclusion struct {
	StagingRowID int64
	RuleID       string
	Reason       string
}

// AuditEvent is one attributable rule action on one row.
type AuditEvent struct {
	BatchID      uuid.UUID
	StagingRowID int64
	RuleID       string
	Action       AuditAction
	Detail       string
	CreatedAt    time.Time
}

// AuditColumns returns the ordered column names for COPY into
// volumetria.audit_events.
func AuditColumns() []string {
	return []string{"batch_id", "staging_row_id", "rule_id", "action", "detail", "created_at"}
}

// CopyValues returns the event values in AuditColumns() order.
func (e *AuditEvent) CopyValues() []any {
	return []any{e.BatchID, e.StagingRowID, e.RuleID, string(e.Action), e.Detail, e.CreatedAt}
}

// RuleTouch records that a rule changed or tagged a row.
type RuleTouch struct {
	RuleID string
	Effect Effect
}

// LotRow is the evaluated outcome of a single staging row. Exactly one of
// Final and Exclusion is set.
type LotRow struct {
	StagingRowID int64
	Final        *FinalRow
	Exclusion    *Exclusion
	Touched      []RuleTouch
	Events       []AuditEvent
}

// Lot is the unit of atomic commit: every row's outcome is written and its
// staging row marked done, or nothing is.
type Lot struct {
	BatchID       uuid.UUID
	CursorVersion int64
	Rows          []LotRow
	// DedupRuleID attributes natural-key collisions to a rule. When empty a
	// collision leaves the row unattributed and reconciliation flags it.
	DedupRuleID string
	CommittedAt time.Time
}

// CommitResult reports what a lot commit actually changed. Rows already done
// before the commit are skipped and not counted.
type CommitResult struct {
	Consumed   int64
	Inserted   int64
	Excluded   map[string]int64
	Duplicates []Exclusion
	Cursor     BatchCursor
}
