// Package rules compiles the rule catalog into a per-category chain and
// evaluates staging rows through it.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/classify"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
	"github.com/gyeh/volumetria/internal/window"
)

// DefaultRowTimeout bounds the evaluation of a single row.
const DefaultRowTimeout = 2 * time.Second

// Options tune chain evaluation.
type Options struct {
	// FailOpen lets rows with missing or unparsable dates through the window
	// rules instead of excluding them.
	FailOpen   bool
	RowTimeout time.Duration
	Now        func() time.Time
}

// EvalError is a rule failure that is not a verdict: a lookup that errored or
// ran past the row timeout.
type EvalError struct {
	RuleID string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// row is the mutable evaluation state of one staging row.
type row struct {
	batch    *model.Batch
	id       int64
	fields   model.Fields
	eval     window.Evaluator
	decision *classify.Decision
	excluded *model.Exclusion
	touched  []model.RuleTouch
	events   []model.AuditEvent
	now      time.Time
}

func (r *row) event(ruleID string, action model.AuditAction, detail string) {
	r.events = append(r.events, model.AuditEvent{
		BatchID:      r.batch.BatchID,
		StagingRowID: r.id,
		RuleID:       ruleID,
		Action:       action,
		Detail:       detail,
		CreatedAt:    r.now,
	})
}

func (r *row) touch(rule catalog.Rule) {
	r.touched = append(r.touched, model.RuleTouch{RuleID: rule.ID, Effect: rule.Effect})
}

func (r *row) mutated(rule catalog.Rule, changes []normalize.Change) {
	if len(changes) == 0 {
		return
	}
	r.touch(rule)
	for _, c := range changes {
		r.event(rule.ID, model.ActionMutate, c.String())
	}
}

func (r *row) exclude(rule catalog.Rule, reason, detail string) {
	r.excluded = &model.Exclusion{StagingRowID: r.id, RuleID: rule.ID, Reason: reason}
	r.touch(rule)
	r.event(rule.ID, model.ActionExclude, reason+": "+detail)
}

type applyFunc func(ctx context.Context, r *row) error

type step struct {
	rule  catalog.Rule
	apply applyFunc
}

// Chain is the compiled rule sequence for one file category.
type Chain struct {
	Category model.FileCategory
	Version  string
	steps    []step
	dedup    string
	opts     Options
}

// Compile builds the chain for a category.
func Compile(cat *catalog.Catalog, category model.FileCategory, opts Options) (*Chain, error) {
	if opts.RowTimeout <= 0 {
		opts.RowTimeout = DefaultRowTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Chain{
		Category: category,
		Version:  cat.Version,
		opts:     opts,
	}
	clients := normalize.NewClientNormalizer(cat.Clients)
	classifier := classify.New(cat.Billing)
	for _, rule := range cat.RulesFor(category) {
		var fn applyFunc
		switch rule.Kind {
		case catalog.KindRealizationCutoff:
			fn = realizationCutoff(rule)
		case catalog.KindReportingWindow:
			start, err := rule.IntParam("start_day", window.DefaultWindowStartDay)
			if err != nil {
				return nil, err
			}
			end, err := rule.IntParam("end_day", window.DefaultWindowEndDay)
			if err != nil {
				return nil, err
			}
			fn = reportingWindow(rule, start, end)
		case catalog.KindClientAlias:
			fn = func(_ context.Context, r *row) error {
				r.mutated(rule, clients.Apply(r.fields, model.FieldClient))
				return nil
			}
		case catalog.KindModalityRecode:
			fn = func(_ context.Context, r *row) error {
				r.mutated(rule, cat.Modality.Apply(r.fields, model.FieldModality, model.FieldStudy))
				return nil
			}
		case catalog.KindSpecialtyBackfill:
			fn = specialtyBackfill(rule, normalize.SpecialtyBackfill{
				SpecialtyField: model.FieldSpecialty,
				CategoryField:  model.FieldCategory,
				StudyField:     model.FieldStudy,
				Placeholders:   normalize.NewPlaceholderSet(cat.Placeholders),
				Fallback:       normalize.Key(cat.Fallback),
				Lookup:         cat,
			})
		case catalog.KindPriorityNormalize:
			fn = func(_ context.Context, r *row) error {
				r.mutated(rule, cat.Priorities.Apply(r.fields, model.FieldPriority))
				return nil
			}
		case catalog.KindValueBackfill:
			fn = valueBackfill(rule, normalize.ValueBackfill{
				ValueField:     model.FieldValue,
				ModalityField:  model.FieldModality,
				SpecialtyField: model.FieldSpecialty,
				PriorityField:  model.FieldPriority,
				Lookup:         cat,
			})
		case catalog.KindBillingClassify:
			fn = billingClassify(rule, classifier, cat.Priorities)
		case catalog.KindNaturalKeyDedup:
			// Applied by the store at commit, against rows already final.
			c.dedup = rule.ID
			continue
		default:
			return nil, fmt.Errorf("rule %s: no implementation for kind %q", rule.ID, rule.Kind)
		}
		c.steps = append(c.steps, step{rule: rule, apply: fn})
	}
	return c, nil
}

// DedupRuleID returns the id of the natural-key dedup rule, or "".
func (c *Chain) DedupRuleID() string {
	return c.dedup
}

// RuleIDs lists the evaluated rules in order, dedup last.
func (c *Chain) RuleIDs() []string {
	ids := make([]string, 0, len(c.steps)+1)
	for _, s := range c.steps {
		ids = append(ids, s.rule.ID)
	}
	if c.dedup != "" {
		ids = append(ids, c.dedup)
	}
	return ids
}

// Evaluate runs one staging row through the chain. The staging row is never
// modified. A rule that errors or overruns the row timeout excludes the row
// under that rule's id. The returned error is non-nil only when ctx itself
// is done, in which case the lot must be abandoned.
func (c *Chain) Evaluate(ctx context.Context, b *model.Batch, sr *model.StagingRow) (model.LotRow, error) {
	rowCtx, cancel := context.WithTimeout(ctx, c.opts.RowTimeout)
	defer cancel()

	r := &row{
		batch:  b,
		id:     sr.ID,
		fields: sr.Fields.Clone(),
		eval:   window.Evaluator{Period: b.ReferencePeriod, FailOpen: c.opts.FailOpen},
		now:    c.opts.Now().UTC(),
	}
	for _, s := range c.steps {
		err := rowCtx.Err()
		if err == nil {
			err = s.apply(rowCtx, r)
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.LotRow{}, ctx.Err()
			}
			reason := model.ReasonEvaluationError
			if errors.Is(err, context.DeadlineExceeded) {
				reason = model.ReasonEvaluationTimeout
			}
			r.exclude(s.rule, reason, (&EvalError{RuleID: s.rule.ID, Err: err}).Error())
			break
		}
		if r.excluded != nil {
			break
		}
	}
	// A step that ignores rowCtx can finish after the deadline.
	if r.excluded == nil && len(c.steps) > 0 && rowCtx.Err() != nil {
		if ctx.Err() != nil {
			return model.LotRow{}, ctx.Err()
		}
		last := c.steps[len(c.steps)-1]
		r.exclude(last.rule, model.ReasonEvaluationTimeout,
			(&EvalError{RuleID: last.rule.ID, Err: rowCtx.Err()}).Error())
	}

	out := model.LotRow{StagingRowID: sr.ID, Touched: r.touched, Events: r.events}
	if r.excluded != nil {
		out.Exclusion = r.excluded
		return out, nil
	}
	out.Final = c.finalRow(b, sr, r)
	return out, nil
}

// Normalize applies only the mutate rules to a copy of f. It exists so
// callers can check that normalization is a fixed point.
func (c *Chain) Normalize(ctx context.Context, f model.Fields) (model.Fields, []model.AuditEvent, error) {
	r := &row{batch: &model.Batch{}, fields: f.Clone(), now: c.opts.Now().UTC()}
	for _, s := range c.steps {
		if s.rule.Effect != model.EffectMutate {
			continue
		}
		if err := s.apply(ctx, r); err != nil {
			return nil, nil, &EvalError{RuleID: s.rule.ID, Err: err}
		}
	}
	return r.fields, r.events, nil
}

func (c *Chain) finalRow(b *model.Batch, sr *model.StagingRow, r *row) *model.FinalRow {
	f := r.fields
	cents, err := normalize.ParseValueCents(f[model.FieldValue])
	if err != nil {
		cents = 0
	}
	fr := &model.FinalRow{
		BatchID:         b.BatchID,
		StagingRowID:    sr.ID,
		NaturalKey:      normalize.NaturalKey(f, b.SourceFile),
		ReferencePeriod: b.ReferencePeriod.String(),
		SourceCategory:  b.FileCategory,
		SourceFile:      b.SourceFile,
		Client:          f[model.FieldClient],
		PatientID:       f[model.FieldPatientID],
		PatientName:     f[model.FieldPatientName],
		Study:           f[model.FieldStudy],
		Accession:       f[model.FieldAccession],
		Modality:        f[model.FieldModality],
		Specialty:       f[model.FieldSpecialty],
		Category:        f[model.FieldCategory],
		Priority:        f[model.FieldPriority],
		Physician:       f[model.FieldPhysician],
		RealizedAt:      normalize.ParseTimestamp(f[model.FieldRealizedDate], f[model.FieldRealizedTime]),
		ReportedAt:      normalize.ParseTimestamp(f[model.FieldReportDate], f[model.FieldReportTime]),
		ValueCents:      cents,
		Fields:          f,
	}
	if r.decision != nil {
		fr.BillingType = r.decision.BillingType
		fr.ClientType = r.decision.ClientType
	}
	return fr
}
