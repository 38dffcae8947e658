package model

import (
	"fmt"
	"time"
)

// Period is a reference year-month a batch is reconciled against.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses "YYYY-MM" (also accepts "YYYY/MM" and "MM/YYYY").
func ParsePeriod(s string) (Period, error) {
	for _, layout := range []string{"2006-01", "2006/01", "01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Period{Year: t.Year(), Month: t.Month()}, nil
		}
	}
	return Period{}, fmt.Errorf("invalid reference period %q (want YYYY-MM)", s)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// IsZero reports whether the period was never set.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// FirstDay returns midnight UTC on the first day of the period.
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Day returns midnight UTC on the given day of the period.
func (p Period) Day(day int) time.Time {
	return time.Date(p.Year, p.Month, day, 0, 0, 0, 0, time.UTC)
}

// Next returns the following month.
func (p Period) Next() Period {
	t := p.FirstDay().AddDate(0, 1, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
