package catalog

import (
	"fmt"
	"strconv"

	"github.com/gyeh/volumetria/internal/model"
)

// Kind selects the Go implementation behind a rule. The set is closed; the
// catalog only orders, scopes and parameterizes them.
type Kind string

const (
	KindRealizationCutoff Kind = "realization_cutoff"
	KindReportingWindow   Kind = "reporting_window"
	KindClientAlias       Kind = "client_alias"
	KindModalityRecode    Kind = "modality_recode"
	KindSpecialtyBackfill Kind = "specialty_backfill"
	KindPriorityNormalize Kind = "priority_normalize"
	KindValueBackfill     Kind = "value_backfill"
	KindBillingClassify   Kind = "billing_classify"
	KindNaturalKeyDedup   Kind = "natural_key_dedup"
)

var kindEffects = map[Kind]model.Effect{
	KindRealizationCutoff: model.EffectExclude,
	KindReportingWindow:   model.EffectExclude,
	KindClientAlias:       model.EffectMutate,
	KindModalityRecode:    model.EffectMutate,
	KindSpecialtyBackfill: model.EffectMutate,
	KindPriorityNormalize: model.EffectMutate,
	KindValueBackfill:     model.EffectMutate,
	KindBillingClassify:   model.EffectClassify,
	KindNaturalKeyDedup:   model.EffectExclude,
}

// Rule is one catalog entry.
type Rule struct {
	ID          string               `yaml:"id"`
	Kind        Kind                 `yaml:"kind"`
	Effect      model.Effect         `yaml:"effect"`
	Description string               `yaml:"description"`
	AppliesTo   []model.FileCategory `yaml:"applies_to"`
	OrderIndex  int                  `yaml:"order_index"`
	Parameters  map[string]any       `yaml:"parameters"`
}

// Applies reports whether the rule runs for a category.
func (r Rule) Applies(cat model.FileCategory) bool {
	for _, c := range r.AppliesTo {
		if c == cat {
			return true
		}
	}
	return false
}

func (r Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule with kind %q has no id", r.Kind)
	}
	want, ok := kindEffects[r.Kind]
	if !ok {
		return fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.Effect != want {
		return fmt.Errorf("rule %s: kind %s has effect %s, not %s", r.ID, r.Kind, want, r.Effect)
	}
	if len(r.AppliesTo) == 0 {
		return fmt.Errorf("rule %s: applies_to is empty", r.ID)
	}
	for _, c := range r.AppliesTo {
		if _, ok := model.ParseFileCategory(string(c)); !ok {
			return fmt.Errorf("rule %s: unknown file category %q", r.ID, c)
		}
	}
	if r.Kind == KindReportingWindow {
		for _, p := range []string{"start_day", "end_day"} {
			d, err := r.IntParam(p, 1)
			if err != nil {
				return err
			}
			if d < 1 || d > 28 {
				return fmt.Errorf("rule %s: %s must be between 1 and 28, got %d", r.ID, p, d)
			}
		}
	}
	return nil
}

// IntParam returns an integer parameter, or def when absent.
func (r Rule) IntParam(name string, def int) (int, error) {
	v, ok := r.Parameters[name]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("rule %s: parameter %s must be an integer", r.ID, name)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("rule %s: parameter %s: %w", r.ID, name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("rule %s: parameter %s has type %T", r.ID, name, v)
	}
}

// StringParam returns a string parameter, or def when absent.
func (r Rule) StringParam(name, def string) string {
	if v, ok := r.Parameters[name]; ok {
		return fmt.Sprint(v)
	}
	return def
}

// BoolParam returns a boolean parameter, or def when absent or malformed.
func (r Rule) BoolParam(name string, def bool) bool {
	if v, ok := r.Parameters[name].(bool); ok {
		return v
	}
	return def
}
