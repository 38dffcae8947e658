package model

import (
	"time"

	"github.com/google/uuid"
)

// BillingType is the billing category assigned by the classifier.
type BillingType string

const (
	BillingConsolidated          BillingType = "CO-FT"
	BillingNonConsolidatedBilled BillingType = "NC-FT"
	BillingNonConsolidatedNoBill BillingType = "NC-NF"
)

// ClientType is the consolidation flag assigned by the classifier.
type ClientType string

const (
	ClientConsolidated    ClientType = "CO"
	ClientNonConsolidated ClientType = "NC"
)

// FinalRow is a staging row after every rule in the catalog has run.
// (BatchID, NaturalKey) is unique.
type FinalRow struct {
	BatchID         uuid.UUID    `json:"batch_id"`
	StagingRowID    int64        `json:"staging_row_id"`
	NaturalKey      string       `json:"natural_key"`
	ReferencePeriod string       `json:"reference_period"`
	SourceCategory  FileCategory `json:"source_category"`
	SourceFile      string       `json:"source_file"`

	Client      string     `json:"client"`
	PatientID   string     `json:"patient_id"`
	PatientName string     `json:"patient_name"`
	Study       string     `json:"study"`
	Accession   string     `json:"accession"`
	Modality    string     `json:"modality"`
	Specialty   string     `json:"specialty"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority"`
	Physician   string     `json:"physician"`
	RealizedAt  *time.Time `json:"realized_at"`
	ReportedAt  *time.Time `json:"reported_at"`
	ValueCents  int64      `json:"value_cents"`

	BillingType BillingType `json:"billing_type"`
	ClientType  ClientType  `json:"client_type"`

	Fields Fields `json:"fields,omitempty"`
}

// FinalRowFilter narrows the read contract used by billing consumers.
// Empty fields match everything.
type FinalRowFilter struct {
	BatchID         uuid.UUID
	ReferencePeriod string
	SourceCategory  FileCategory
	BillingType     BillingType
	Limit           int
}
