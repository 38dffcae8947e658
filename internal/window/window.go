// Package window decides whether an exam falls inside the date boundaries
// derived from a batch's reference period.
package window

import (
	"time"

	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
)

// Default reporting window: 8th of the reference month through the 7th of
// the following month, inclusive.
const (
	DefaultWindowStartDay = 8
	DefaultWindowEndDay   = 7
)

// Verdict is the outcome of one window check.
type Verdict struct {
	Excluded  bool
	Malformed bool
	Reason    string
	Date      *time.Time
}

// Evaluator applies the realization cutoff and reporting window for one
// reference period. With FailOpen unset (the default) a missing or
// unparsable date excludes the row.
type Evaluator struct {
	Period   model.Period
	FailOpen bool
}

// RealizationCutoff is the first instant a realization date is considered
// to belong to a period not yet reached.
func RealizationCutoff(p model.Period) time.Time {
	return p.FirstDay()
}

// ReportingWindow returns the closed day interval [from, to].
func ReportingWindow(p model.Period, startDay, endDay int) (from, to time.Time) {
	return p.Day(startDay), p.Next().Day(endDay)
}

// CheckRealization excludes rows realized on or after the cutoff.
func (e Evaluator) CheckRealization(date string) Verdict {
	d := normalize.ParseDate(date)
	if d == nil {
		return e.malformed()
	}
	if !d.Before(RealizationCutoff(e.Period)) {
		return Verdict{Excluded: true, Reason: model.ReasonOutsideWindow, Date: d}
	}
	return Verdict{Date: d}
}

// CheckReport excludes rows reported outside [startDay, next month's endDay].
func (e Evaluator) CheckReport(date string, startDay, endDay int) Verdict {
	d := normalize.ParseDate(date)
	if d == nil {
		return e.malformed()
	}
	from, to := ReportingWindow(e.Period, startDay, endDay)
	if d.Before(from) || d.After(to) {
		return Verdict{Excluded: true, Reason: model.ReasonOutsideWindow, Date: d}
	}
	return Verdict{Date: d}
}

func (e Evaluator) malformed() Verdict {
	if e.FailOpen {
		return Verdict{Malformed: true}
	}
	return Verdict{Excluded: true, Malformed: true, Reason: model.ReasonMalformedDate}
}
