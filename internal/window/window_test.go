package window

import (
	"testing"

	"github.com/gyeh/volumetria/internal/model"
)

func mustPeriod(t *testing.T, s string) model.Period {
	t.Helper()
	p, err := model.ParsePeriod(s)
	if err != nil {
		t.Fatalf("parse period: %v", err)
	}
	return p
}

func TestCheckRealization_Boundary(t *testing.T) {
	e := Evaluator{Period: mustPeriod(t, "2025-09")}

	tests := []struct {
		date     string
		excluded bool
	}{
		{"2025-09-01", true},
		{"01/09/2025", true},
		{"2025-10-15", true},
		{"2025-08-31", false},
		{"31/08/2025", false},
		{"2024-12-01", false},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			v := e.CheckRealization(tt.date)
			if v.Excluded != tt.excluded {
				t.Errorf("CheckRealization(%q).Excluded = %v, want %v", tt.date, v.Excluded, tt.excluded)
			}
			if v.Malformed {
				t.Errorf("CheckRealization(%q) flagged malformed", tt.date)
			}
		})
	}
}

func TestCheckReport_Boundary(t *testing.T) {
	e := Evaluator{Period: mustPeriod(t, "2025-09")}

	tests := []struct {
		date     string
		excluded bool
	}{
		{"2025-09-07", true},
		{"2025-09-08", false},
		{"2025-09-30", false},
		{"2025-10-07", false},
		{"07/10/2025 23:59", false},
		{"2025-10-08", true},
		{"2025-12-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			v := e.CheckReport(tt.date, DefaultWindowStartDay, DefaultWindowEndDay)
			if v.Excluded != tt.excluded {
				t.Errorf("CheckReport(%q).Excluded = %v, want %v", tt.date, v.Excluded, tt.excluded)
			}
		})
	}
}

func TestCheckReport_DecemberRollsOverYear(t *testing.T) {
	e := Evaluator{Period: mustPeriod(t, "2025-12")}
	if v := e.CheckReport("2026-01-07", 8, 7); v.Excluded {
		t.Error("2026-01-07 should be inside the December window")
	}
	if v := e.CheckReport("2026-01-08", 8, 7); !v.Excluded {
		t.Error("2026-01-08 should be outside the December window")
	}
}

func TestMalformedDates_FailClosed(t *testing.T) {
	e := Evaluator{Period: mustPeriod(t, "2025-09")}
	for _, date := range []string{"", "   ", "not a date", "32/13/2025"} {
		v := e.CheckRealization(date)
		if !v.Excluded || !v.Malformed {
			t.Errorf("CheckRealization(%q) = %+v, want excluded+malformed", date, v)
		}
		if v.Reason != model.ReasonMalformedDate {
			t.Errorf("reason = %q, want %q", v.Reason, model.ReasonMalformedDate)
		}
		v = e.CheckReport(date, 8, 7)
		if !v.Excluded || !v.Malformed {
			t.Errorf("CheckReport(%q) = %+v, want excluded+malformed", date, v)
		}
	}
}

func TestMalformedDates_FailOpen(t *testing.T) {
	e := Evaluator{Period: mustPeriod(t, "2025-09"), FailOpen: true}
	v := e.CheckRealization("garbage")
	if v.Excluded {
		t.Error("fail-open evaluator must not exclude malformed dates")
	}
	if !v.Malformed {
		t.Error("fail-open evaluator must still flag malformed dates")
	}
}
