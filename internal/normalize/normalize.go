package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyeh/volumetria/internal/model"
)

// Change records one field mutation.
type Change struct {
	Field string
	From  string
	To    string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %q -> %q", c.Field, c.From, c.To)
}

// set writes v into f[key] and appends a Change when the value differs.
func set(f map[string]string, key, v string, changes []Change) []Change {
	old, ok := f[key]
	if ok && old == v {
		return changes
	}
	if !ok && v == "" {
		return changes
	}
	f[key] = v
	return append(changes, Change{Field: key, From: old, To: v})
}

// ToStagingRow converts an extract record into a StagingRow. Values are only
// trimmed; everything else is left to the rule chain.
func ToStagingRow(rec model.Fields, batchID uuid.UUID, category model.FileCategory, rowNum int64) (*model.StagingRow, error) {
	fields := make(model.Fields, len(rec))
	empty := true
	for k, v := range rec {
		v = strings.TrimSpace(v)
		if v != "" {
			empty = false
		}
		fields[k] = v
	}
	if empty {
		return nil, fmt.Errorf("row %d: all columns blank", rowNum)
	}
	return &model.StagingRow{
		BatchID:         batchID,
		FileCategory:    category,
		SourceRowNumber: rowNum,
		Fields:          fields,
		Status:          model.StatusPending,
	}, nil
}

// NaturalKey identifies an exam within a batch: patient, study, realization
// timestamp, report timestamp and source file.
func NaturalKey(f model.Fields, sourceFile string) string {
	patient := f[model.FieldPatientID]
	if strings.TrimSpace(patient) == "" {
		patient = f[model.FieldPatientName]
	}
	return KeyHash(
		patient,
		f[model.FieldStudy],
		keyTime(f[model.FieldRealizedDate], f[model.FieldRealizedTime]),
		keyTime(f[model.FieldReportDate], f[model.FieldReportTime]),
		sourceFile,
	)
}

// keyTime renders a date/clock pair independent of the layout it arrived in.
// Values that do not parse are hashed as written.
func keyTime(date, clock string) string {
	if ts := ParseTimestamp(date, clock); ts != nil {
		return ts.Format(time.RFC3339)
	}
	return date + " " + clock
}
