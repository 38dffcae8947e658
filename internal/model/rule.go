package model

// Effect is what a rule does to a row.
type Effect string

const (
	EffectMutate   Effect = "mutate"
	EffectExclude  Effect = "exclude"
	EffectClassify Effect = "classify"
)

// AuditAction labels one entry of the per-batch audit log.
type AuditAction string

const (
	ActionExclude    AuditAction = "exclude"
	ActionMutate     AuditAction = "mutate"
	ActionClassify   AuditAction = "classify"
	ActionLookupMiss AuditAction = "lookup_miss"
	// ActionMalformedPass marks a malformed date let through in fail-open mode.
	ActionMalformedPass AuditAction = "malformed_pass"
)

// Exclusion reasons recorded with each excluded row.
const (
	ReasonOutsideWindow     = "outside_window"
	ReasonMalformedDate     = "malformed_date"
	ReasonDuplicateKey      = "duplicate_natural_key"
	ReasonEvaluationTimeout = "evaluation_timeout"
	ReasonEvaluationError   = "evaluation_error"
)
