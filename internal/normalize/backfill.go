package normalize

import (
	"context"
	"fmt"
)

// StudyInfo is the reference catalog entry for a study description.
type StudyInfo struct {
	Specialty string
	Category  string
}

// StudyLookup resolves a study description to its specialty and category.
type StudyLookup interface {
	LookupStudy(ctx context.Context, study string) (StudyInfo, bool, error)
}

// PriceLookup resolves the unit value (in cents) of an exam.
type PriceLookup interface {
	LookupPrice(ctx context.Context, modality, specialty, priority string) (int64, bool, error)
}

// Result is the outcome of one normalization step.
type Result struct {
	Changes []Change
	Miss    bool
}

// SpecialtyBackfill fills blank or placeholder specialty and category values
// from the study reference catalog.
type SpecialtyBackfill struct {
	SpecialtyField string
	CategoryField  string
	StudyField     string
	Placeholders   map[string]bool
	Fallback       string
	Lookup         StudyLookup
}

// NewPlaceholderSet keys placeholder literals. The empty string is always a
// placeholder.
func NewPlaceholderSet(values []string) map[string]bool {
	m := map[string]bool{"": true}
	for _, v := range values {
		m[Key(v)] = true
	}
	return m
}

func (b SpecialtyBackfill) needs(v string) bool {
	return b.Placeholders[Key(v)]
}

// Validate rejects a fallback that would itself be backfilled on a second pass.
func (b SpecialtyBackfill) Validate() error {
	if b.needs(b.Fallback) {
		return fmt.Errorf("specialty fallback %q is a placeholder", b.Fallback)
	}
	return nil
}

// Apply backfills in place. A lookup miss writes the fallback literal.
func (b SpecialtyBackfill) Apply(ctx context.Context, f map[string]string) (Result, error) {
	needSpec := b.needs(f[b.SpecialtyField])
	needCat := b.CategoryField != "" && b.needs(f[b.CategoryField])
	if !needSpec && !needCat {
		return Result{}, nil
	}
	info, ok, err := b.Lookup.LookupStudy(ctx, Key(f[b.StudyField]))
	if err != nil {
		return Result{}, fmt.Errorf("lookup study: %w", err)
	}
	var res Result
	if !ok {
		res.Miss = true
		info = StudyInfo{Specialty: b.Fallback, Category: b.Fallback}
	}
	if info.Specialty == "" {
		info.Specialty = b.Fallback
	}
	if info.Category == "" {
		info.Category = b.Fallback
	}
	if needSpec {
		res.Changes = set(f, b.SpecialtyField, Key(info.Specialty), res.Changes)
	}
	if needCat {
		res.Changes = set(f, b.CategoryField, Key(info.Category), res.Changes)
	}
	return res, nil
}

// PriorityTable maps priority spellings onto the urgent and routine literals.
type PriorityTable struct {
	Urgent   string            `yaml:"urgent"`
	Routine  string            `yaml:"routine"`
	Synonyms map[string]string `yaml:"synonyms"`
}

// Normalize returns the canonical priority. Blank becomes routine; unknown
// spellings are keyed but otherwise kept.
func (t PriorityTable) Normalize(p string) string {
	k := Key(p)
	if k == "" {
		return Key(t.Routine)
	}
	for from, to := range t.Synonyms {
		if Key(from) == k {
			return Key(to)
		}
	}
	return k
}

// IsUrgent reports whether p normalizes to the urgent literal.
func (t PriorityTable) IsUrgent(p string) bool {
	return t.Normalize(p) == Key(t.Urgent)
}

// Validate requires every synonym to land on urgent or routine.
func (t PriorityTable) Validate() error {
	u, r := Key(t.Urgent), Key(t.Routine)
	if u == "" || r == "" {
		return fmt.Errorf("priority table needs urgent and routine literals")
	}
	for from, to := range t.Synonyms {
		k := Key(to)
		if k != u && k != r {
			return fmt.Errorf("priority synonym %q -> %q is neither urgent nor routine", from, to)
		}
		if fk := Key(from); (fk == u || fk == r) && fk != k {
			return fmt.Errorf("priority synonym %q remaps a canonical literal", from)
		}
	}
	return nil
}

// Apply rewrites the priority field in place.
func (t PriorityTable) Apply(f map[string]string, field string) []Change {
	return set(f, field, t.Normalize(f[field]), nil)
}

// ValueBackfill fills a zero, blank or unparsable value from the price table.
type ValueBackfill struct {
	ValueField     string
	ModalityField  string
	SpecialtyField string
	PriorityField  string
	Lookup         PriceLookup
}

// Apply backfills in place. On a miss the value is written as "0.00" so a
// second pass produces the same row.
func (b ValueBackfill) Apply(ctx context.Context, f map[string]string) (Result, error) {
	if cents, err := ParseValueCents(f[b.ValueField]); err == nil && cents > 0 {
		return Result{}, nil
	}
	price, ok, err := b.Lookup.LookupPrice(ctx, Key(f[b.ModalityField]), Key(f[b.SpecialtyField]), Key(f[b.PriorityField]))
	if err != nil {
		return Result{}, fmt.Errorf("lookup price: %w", err)
	}
	var res Result
	if !ok || price <= 0 {
		res.Miss = true
		price = 0
	}
	res.Changes = set(f, b.ValueField, FormatCents(price), nil)
	return res, nil
}
