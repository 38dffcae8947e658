// Package classify assigns billing categories with an ordered decision
// table. The first branch whose scope matches the client decides; inside a
// branch the first matching arm wins, otherwise the branch default applies.
package classify

import (
	"strings"

	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
)

// Table is the roster data behind the decision table. It is loaded from the
// rule catalog, never hardcoded.
type Table struct {
	SpecialRuleClients             []string         `yaml:"special_rule_clients"`
	SpecialRuleSpecialties         []string         `yaml:"special_rule_specialties"`
	SpecialRulePhysicianExceptions []string         `yaml:"special_rule_physician_exceptions"`
	NonConsolidatedOriginal        []string         `yaml:"non_consolidated_original"`
	NonConsolidatedAdditional      []string         `yaml:"non_consolidated_additional"`
	BillableSpecialties            []string         `yaml:"billable_specialties"`
	BillableStudies                []string         `yaml:"billable_studies"`
	BillablePhysicians             []string         `yaml:"billable_physicians"`
	Designated                     []DesignatedPair `yaml:"designated"`
}

// DesignatedPair bills a specific client when the specialty matches.
type DesignatedPair struct {
	Client    string `yaml:"client"`
	Specialty string `yaml:"specialty"`
}

// Input is what the classifier sees of a row, after normalization.
type Input struct {
	Client    string
	Specialty string
	Urgent    bool
	Physician string
	Study     string
}

// Decision is the classifier output. Branch names the branch and arm that
// decided, e.g. "nc_original/billable_specialty".
type Decision struct {
	BillingType model.BillingType
	ClientType  model.ClientType
	Branch      string
}

type predicate func(Input) bool

type arm struct {
	name    string
	when    predicate
	billing model.BillingType
}

type branch struct {
	name     string
	scope    predicate
	arms     []arm
	fallback model.BillingType
}

// Classifier is a compiled Table.
type Classifier struct {
	branches []branch
}

type keySet map[string]bool

func newKeySet(values ...[]string) keySet {
	s := keySet{}
	for _, vs := range values {
		for _, v := range vs {
			if k := normalize.Key(v); k != "" {
				s[k] = true
			}
		}
	}
	return s
}

func (s keySet) has(v string) bool { return s[normalize.Key(v)] }

// New compiles the decision table.
func New(t Table) *Classifier {
	special := newKeySet(t.SpecialRuleClients)
	specialSpecs := newKeySet(t.SpecialRuleSpecialties)
	exceptions := newKeySet(t.SpecialRulePhysicianExceptions)
	original := newKeySet(t.NonConsolidatedOriginal)
	additional := newKeySet(t.NonConsolidatedAdditional)
	nonConsolidated := newKeySet(t.NonConsolidatedOriginal, t.NonConsolidatedAdditional)
	billableSpecs := newKeySet(t.BillableSpecialties)
	billableStudies := newKeySet(t.BillableStudies)
	billableDocs := newKeySet(t.BillablePhysicians)
	designated := make(map[string]keySet)
	for _, d := range t.Designated {
		c := normalize.Key(d.Client)
		if designated[c] == nil {
			designated[c] = keySet{}
		}
		designated[c][normalize.Key(d.Specialty)] = true
	}

	urgent := func(in Input) bool { return in.Urgent }
	billableSpecialty := func(in Input) bool { return billableSpecs.has(in.Specialty) }

	return &Classifier{branches: []branch{
		{
			name:  "special_rule",
			scope: func(in Input) bool { return special.has(in.Client) },
			arms: []arm{
				{name: "urgent", when: urgent, billing: model.BillingConsolidated},
				{name: "specialty", when: func(in Input) bool {
					return specialSpecs.has(in.Specialty) && !exceptions.has(in.Physician)
				}, billing: model.BillingConsolidated},
			},
			fallback: model.BillingNonConsolidatedNoBill,
		},
		{
			name:     "consolidated",
			scope:    func(in Input) bool { return !nonConsolidated.has(in.Client) },
			fallback: model.BillingConsolidated,
		},
		{
			name:  "nc_original",
			scope: func(in Input) bool { return original.has(in.Client) },
			arms: []arm{
				{name: "billable_specialty", when: billableSpecialty, billing: model.BillingNonConsolidatedBilled},
				{name: "urgent", when: urgent, billing: model.BillingNonConsolidatedBilled},
				{name: "billable_study", when: func(in Input) bool { return billableStudies.has(in.Study) }, billing: model.BillingNonConsolidatedBilled},
			},
			fallback: model.BillingNonConsolidatedNoBill,
		},
		{
			name:  "nc_additional",
			scope: func(in Input) bool { return additional.has(in.Client) },
			arms: []arm{
				{name: "billable_specialty", when: billableSpecialty, billing: model.BillingNonConsolidatedBilled},
				{name: "urgent", when: urgent, billing: model.BillingNonConsolidatedBilled},
				{name: "billable_physician", when: func(in Input) bool { return billableDocs.has(in.Physician) }, billing: model.BillingNonConsolidatedBilled},
				{name: "designated", when: func(in Input) bool {
					return designated[normalize.Key(in.Client)].has(in.Specialty)
				}, billing: model.BillingNonConsolidatedBilled},
			},
			fallback: model.BillingNonConsolidatedNoBill,
		},
		{
			name:     "fallback",
			scope:    func(Input) bool { return true },
			fallback: model.BillingNonConsolidatedNoBill,
		},
	}}
}

// Classify walks the branches in order. It never fails; the last branch
// matches every input.
func (c *Classifier) Classify(in Input) Decision {
	for _, b := range c.branches {
		if !b.scope(in) {
			continue
		}
		for _, a := range b.arms {
			if a.when(in) {
				return decision(a.billing, b.name+"/"+a.name)
			}
		}
		return decision(b.fallback, b.name+"/default")
	}
	return decision(model.BillingNonConsolidatedNoBill, "none")
}

// BranchNames lists branch names in evaluation order.
func (c *Classifier) BranchNames() []string {
	names := make([]string, len(c.branches))
	for i, b := range c.branches {
		names[i] = b.name
	}
	return names
}

func decision(bt model.BillingType, branch string) Decision {
	ct := model.ClientNonConsolidated
	if strings.HasPrefix(string(bt), string(model.ClientConsolidated)+"-") {
		ct = model.ClientConsolidated
	}
	return Decision{BillingType: bt, ClientType: ct, Branch: branch}
}
