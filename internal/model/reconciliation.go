package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// BatchCounts is the raw material for a reconciliation.
type BatchCounts struct {
	Staging  int64
	Pending  int64
	Final    int64
	Excluded map[string]int64
}

// ReconciliationRecord compares staged, excluded and final counts for a batch.
// Discrepancy = Staging - ΣExcluded - Final. Pending rows account for part of
// it while a batch is running or after a cancel; Unexplained is what is left
// and must be zero.
type ReconciliationRecord struct {
	BatchID       uuid.UUID        `json:"batch_id"`
	StagingCount  int64            `json:"staging_count"`
	PendingCount  int64            `json:"pending_count"`
	ExcludedCount map[string]int64 `json:"excluded_count"`
	FinalCount    int64            `json:"final_count"`
	Discrepancy   int64            `json:"discrepancy"`
	Unexplained   int64            `json:"unexplained"`
	Completed     bool             `json:"completed"`
	Cancelled     bool             `json:"cancelled"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

// NewReconciliationRecord derives a record from counts.
func NewReconciliationRecord(batchID uuid.UUID, c BatchCounts, now time.Time) ReconciliationRecord {
	excluded := make(map[string]int64, len(c.Excluded))
	for k, v := range c.Excluded {
		excluded[k] = v
	}
	r := ReconciliationRecord{
		BatchID:       batchID,
		StagingCount:  c.Staging,
		PendingCount:  c.Pending,
		ExcludedCount: excluded,
		FinalCount:    c.Final,
		GeneratedAt:   now,
	}
	r.Discrepancy = r.StagingCount - r.ExcludedTotal() - r.FinalCount
	r.Unexplained = r.Discrepancy - r.PendingCount
	return r
}

// ExcludedTotal sums exclusions over every rule.
func (r ReconciliationRecord) ExcludedTotal() int64 {
	var n int64
	for _, v := range r.ExcludedCount {
		n += v
	}
	return n
}

// ExcludedRuleIDs returns the rule ids with exclusions, sorted.
func (r ReconciliationRecord) ExcludedRuleIDs() []string {
	ids := make([]string, 0, len(r.ExcludedCount))
	for id := range r.ExcludedCount {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LedgerEntry is the per-rule application status for a batch.
type LedgerEntry struct {
	RuleID         string     `json:"rule_id"`
	Effect         Effect     `json:"effect"`
	Applied        bool       `json:"applied"`
	RowsAffected   int64      `json:"rows_affected"`
	FirstAppliedAt *time.Time `json:"first_applied_at,omitempty"`
	LastAppliedAt  *time.Time `json:"last_applied_at,omitempty"`
}

// AlertKind classifies a reconciliation alert.
type AlertKind string

const (
	// AlertSilentLoss means rows vanished without being attributed to a rule.
	AlertSilentLoss AlertKind = "silent_loss"
	// AlertCancelledUnprocessed means an operator cancelled a batch with
	// staging rows still pending. Expected, not a defect.
	AlertCancelledUnprocessed AlertKind = "cancelled_unprocessed"
)

// Alert is a durable reconciliation finding awaiting operator review.
type Alert struct {
	ID          int64     `json:"id"`
	BatchID     uuid.UUID `json:"batch_id"`
	Kind        AlertKind `json:"kind"`
	Discrepancy int64     `json:"discrepancy"`
	Unexplained int64     `json:"unexplained"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}
