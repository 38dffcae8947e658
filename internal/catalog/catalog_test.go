package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/gyeh/volumetria/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if c.Version == "" {
		t.Error("version is empty")
	}

	t.Run("retroactive chain order", func(t *testing.T) {
		rules := c.RulesFor(model.CategoryStandardRetroactive)
		var ids []string
		for _, r := range rules {
			ids = append(ids, r.ID)
		}
		got := strings.Join(ids, ",")
		want := "v003,v002,v010,v011,v012,v013,v014,v020,v031"
		if got != want {
			t.Errorf("rules = %s, want %s", got, want)
		}
	})

	t.Run("window rules only on retroactive", func(t *testing.T) {
		for _, r := range c.RulesFor(model.CategoryStandard) {
			if r.Kind == KindReportingWindow || r.Kind == KindRealizationCutoff {
				t.Errorf("rule %s applies to standard", r.ID)
			}
		}
	})

	t.Run("window parameters", func(t *testing.T) {
		r, ok := c.Rule("v002")
		if !ok {
			t.Fatal("v002 missing")
		}
		start, err := r.IntParam("start_day", 0)
		if err != nil || start != 8 {
			t.Errorf("start_day = %d, %v", start, err)
		}
		end, err := r.IntParam("end_day", 0)
		if err != nil || end != 7 {
			t.Errorf("end_day = %d, %v", end, err)
		}
	})

	t.Run("dedup rule", func(t *testing.T) {
		r, ok := c.DedupRule(model.CategoryOncoStandard)
		if !ok || r.ID != "v031" {
			t.Errorf("DedupRule = %+v, %v", r, ok)
		}
	})
}

func TestLookups(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	ctx := context.Background()

	info, ok, err := c.LookupStudy(ctx, "  tc crânio ")
	if err != nil || !ok {
		t.Fatalf("LookupStudy: ok=%v err=%v", ok, err)
	}
	if info.Specialty != "NEURO" || info.Category != "SC" {
		t.Errorf("info = %+v", info)
	}
	if _, ok, _ := c.LookupStudy(ctx, "EXAME INEXISTENTE"); ok {
		t.Error("expected a miss for an unknown study")
	}

	tests := []struct {
		modality, specialty, priority string
		want                          int64
		ok                            bool
	}{
		{"MR", "NEURO", "URGENTE", 23000, true},
		{"MR", "NEURO", "ROTINA", 19000, true},
		{"MR", "ABDOME", "URGENTE", 21000, true},
		{"MR", "", "urgente", 21000, true},
		{"MR", "ABDOME", "ROTINA", 19000, true},
		{"CT", "CARDIOVASCULAR", "ROTINA", 18000, true},
		{"CT", "ABDOME", "", 11000, true},
		{"XA", "", "", 0, false},
	}
	for _, tt := range tests {
		got, ok, err := c.LookupPrice(ctx, tt.modality, tt.specialty, tt.priority)
		if err != nil {
			t.Fatalf("LookupPrice: %v", err)
		}
		if got != tt.want || ok != tt.ok {
			t.Errorf("LookupPrice(%s,%s,%s) = %d,%v, want %d,%v",
				tt.modality, tt.specialty, tt.priority, got, ok, tt.want, tt.ok)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := c.LookupPrice(cancelled, "MR", "", ""); err == nil {
		t.Error("expected context error")
	}
}

const minimal = `
version: test
rules:
  - id: a
    kind: client_alias
    effect: mutate
    applies_to: [standard]
    order_index: 1
%s
modality: {legacy: [CR], generic: RX, mammography: MG}
priorities: {urgent: URGENTE, routine: ROTINA}
fallback: NAO CLASSIFICADO
`

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"duplicate id", `
  - id: a
    kind: modality_recode
    effect: mutate
    applies_to: [standard]
    order_index: 2`, "duplicate rule id"},
		{"shared order index", `
  - id: b
    kind: modality_recode
    effect: mutate
    applies_to: [standard]
    order_index: 1`, "share order_index"},
		{"wrong effect", `
  - id: b
    kind: reporting_window
    effect: mutate
    applies_to: [standard]
    order_index: 2`, "has effect"},
		{"unknown kind", `
  - id: b
    kind: teleport
    effect: mutate
    applies_to: [standard]
    order_index: 2`, "unknown kind"},
		{"unknown category", `
  - id: b
    kind: modality_recode
    effect: mutate
    applies_to: [weekly]
    order_index: 2`, "unknown file category"},
		{"dedup not last", `
  - id: b
    kind: natural_key_dedup
    effect: exclude
    applies_to: [standard]
    order_index: 0`, "highest order_index"},
		{"window day out of range", `
  - id: b
    kind: reporting_window
    effect: exclude
    applies_to: [standard]
    order_index: 2
    parameters: {start_day: 31, end_day: 7}`, "between 1 and 28"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(minimal, "%s", tt.extra, 1)
			_, err := Parse([]byte(doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}

	t.Run("minimal is valid", func(t *testing.T) {
		if _, err := Parse([]byte(strings.Replace(minimal, "%s", "", 1))); err != nil {
			t.Fatalf("Parse: %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		doc := strings.Replace(minimal, "%s", "", 1) + "colour: blue\n"
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatal("expected error for unknown key")
		}
	})

	t.Run("fallback is placeholder", func(t *testing.T) {
		doc := strings.Replace(minimal, "%s", "", 1) + "placeholders: [NAO CLASSIFICADO]\n"
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestEffectDefaultsFromKind(t *testing.T) {
	doc := `
version: test
rules:
  - id: w
    kind: reporting_window
    applies_to: [standard-retroactive]
    order_index: 1
modality: {legacy: [CR], generic: RX, mammography: MG}
priorities: {urgent: URGENTE, routine: ROTINA}
fallback: NAO CLASSIFICADO
`
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r, _ := c.Rule("w"); r.Effect != model.EffectExclude {
		t.Errorf("effect = %s", r.Effect)
	}
}
