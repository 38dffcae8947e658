package normalize

import (
	"strings"
	"time"
)

// Date formats found in volumetria extracts. Brazilian day-first layouts
// come before ISO.
var dateFormats = []string{
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

var clockFormats = []string{
	"15:04:05",
	"15:04",
	"15h04",
}

// ParseDate attempts to parse a date string in multiple common formats.
// Returns nil if the input is empty or unparseable. The result is truncated
// to midnight UTC.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// ParseTimestamp combines a date column with an optional time-of-day column.
// A clock value that does not parse is ignored; the date alone decides.
func ParseTimestamp(date, clock string) *time.Time {
	d := ParseDate(date)
	if d == nil {
		return nil
	}
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return d
	}
	for _, layout := range clockFormats {
		if c, err := time.Parse(layout, clock); err == nil {
			ts := d.Add(time.Duration(c.Hour())*time.Hour +
				time.Duration(c.Minute())*time.Minute +
				time.Duration(c.Second())*time.Second)
			return &ts
		}
	}
	return d
}
