package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrEmptyValue is returned by ParseValueCents for blank input.
var ErrEmptyValue = errors.New("empty value")

// ParseValueCents converts a money string to integer cents. It accepts
// "1234.56", "1.234,56", "1234,5" and a leading "R$". Uses math.Round to
// avoid truncation bias.
func ParseValueCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(s, "R$"))
	if s == "" {
		return 0, ErrEmptyValue
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("parse value %q: not finite", s)
	}
	return int64(math.Round(v * 100)), nil
}

// FormatCents renders cents as a dot-decimal string ("123.40").
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}
