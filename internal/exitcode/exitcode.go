package exitcode

const (
	Success         = 0
	UsageError      = 1
	ValidationError = 2
	DBConnError     = 3
	StageError      = 4
	ProcessError    = 5
	PartialSuccess  = 6 // batch suspended, re-invoke to continue
	Discrepancy     = 7
	CursorConflict  = 8
)
