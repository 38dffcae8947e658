// Package catalog loads the versioned rule catalog: the ordered rule
// definitions plus the reference and roster tables the rules read.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gyeh/volumetria/internal/classify"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
)

//go:embed default.yaml
var defaultCatalog []byte

// StudyEntry maps a study description to its specialty and category.
type StudyEntry struct {
	Study     string `yaml:"study"`
	Specialty string `yaml:"specialty"`
	Category  string `yaml:"category"`
}

// PriceEntry is a unit value in reais. Blank specialty or priority act as
// wildcards.
type PriceEntry struct {
	Modality  string  `yaml:"modality"`
	Specialty string  `yaml:"specialty"`
	Priority  string  `yaml:"priority"`
	Value     float64 `yaml:"value"`
}

// Catalog is an immutable, validated rule catalog.
type Catalog struct {
	Version      string                  `yaml:"version"`
	Rules        []Rule                  `yaml:"rules"`
	Clients      normalize.ClientTable   `yaml:"clients"`
	Modality     normalize.ModalityTable `yaml:"modality"`
	Priorities   normalize.PriorityTable `yaml:"priorities"`
	Placeholders []string                `yaml:"placeholders"`
	Fallback     string                  `yaml:"fallback"`
	Studies      []StudyEntry            `yaml:"studies"`
	Prices       []PriceEntry            `yaml:"prices"`
	Billing      classify.Table          `yaml:"billing"`

	studies map[string]normalize.StudyInfo
	prices  map[string]int64
	byID    map[string]Rule
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file. An empty path means Default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Unknown keys are errors.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.index()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() {
	c.studies = make(map[string]normalize.StudyInfo, len(c.Studies))
	for _, s := range c.Studies {
		c.studies[normalize.Key(s.Study)] = normalize.StudyInfo{
			Specialty: normalize.Key(s.Specialty),
			Category:  normalize.Key(s.Category),
		}
	}
	c.prices = make(map[string]int64, len(c.Prices))
	for _, p := range c.Prices {
		c.prices[priceKey(normalize.Key(p.Modality), normalize.Key(p.Specialty), normalize.Key(p.Priority))] =
			int64(math.Round(p.Value * 100))
	}
	c.byID = make(map[string]Rule, len(c.Rules))
	for i := range c.Rules {
		if c.Rules[i].Effect == "" {
			c.Rules[i].Effect = kindEffects[c.Rules[i].Kind]
		}
		c.byID[c.Rules[i].ID] = c.Rules[i]
	}
}

func priceKey(modality, specialty, priority string) string {
	return modality + "|" + specialty + "|" + priority
}

// Validate checks rule definitions and table consistency.
func (c *Catalog) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("catalog %s has no rules", c.Version)
	}
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if err := r.validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	for _, cat := range model.AllFileCategories {
		if err := c.validateOrder(cat); err != nil {
			return err
		}
	}
	if err := normalize.NewClientNormalizer(c.Clients).Validate(); err != nil {
		return fmt.Errorf("clients: %w", err)
	}
	if err := c.Modality.Validate(); err != nil {
		return fmt.Errorf("modality: %w", err)
	}
	if err := c.Priorities.Validate(); err != nil {
		return fmt.Errorf("priorities: %w", err)
	}
	if normalize.Key(c.Fallback) == "" {
		return fmt.Errorf("fallback literal is required")
	}
	if normalize.NewPlaceholderSet(c.Placeholders)[normalize.Key(c.Fallback)] {
		return fmt.Errorf("fallback %q must not be a placeholder", c.Fallback)
	}
	for _, p := range c.Prices {
		if p.Value < 0 {
			return fmt.Errorf("price for %s/%s/%s is negative", p.Modality, p.Specialty, p.Priority)
		}
	}
	return nil
}

func (c *Catalog) validateOrder(cat model.FileCategory) error {
	rules := c.RulesFor(cat)
	for i, r := range rules {
		if i > 0 && rules[i-1].OrderIndex == r.OrderIndex {
			return fmt.Errorf("category %s: rules %q and %q share order_index %d",
				cat, rules[i-1].ID, r.ID, r.OrderIndex)
		}
		if r.Kind == KindNaturalKeyDedup && i != len(rules)-1 {
			return fmt.Errorf("category %s: dedup rule %q must have the highest order_index", cat, r.ID)
		}
	}
	return nil
}

// RulesFor returns the rules applying to a category in ascending order_index.
func (c *Catalog) RulesFor(cat model.FileCategory) []Rule {
	var out []Rule
	for _, r := range c.Rules {
		if r.Applies(cat) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}

// Rule returns the rule with the given id.
func (c *Catalog) Rule(id string) (Rule, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// DedupRule returns the natural-key dedup rule for a category, if any.
func (c *Catalog) DedupRule(cat model.FileCategory) (Rule, bool) {
	for _, r := range c.RulesFor(cat) {
		if r.Kind == KindNaturalKeyDedup {
			return r, true
		}
	}
	return Rule{}, false
}

// LookupStudy implements normalize.StudyLookup over the studies table.
func (c *Catalog) LookupStudy(ctx context.Context, study string) (normalize.StudyInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return normalize.StudyInfo{}, false, err
	}
	info, ok := c.studies[normalize.Key(study)]
	return info, ok, nil
}

// LookupPrice implements normalize.PriceLookup. The most specific entry
// wins: modality+specialty+priority, then modality+specialty, then
// modality+priority, then modality.
func (c *Catalog) LookupPrice(ctx context.Context, modality, specialty, priority string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m, s, p := normalize.Key(modality), normalize.Key(specialty), normalize.Key(priority)
	for _, k := range []string{priceKey(m, s, p), priceKey(m, s, ""), priceKey(m, "", p), priceKey(m, "", "")} {
		if v, ok := c.prices[k]; ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}
