package rules

import (
	"context"
	"fmt"

	"github.com/gyeh/volumetria/internal/catalog"
	"github.com/gyeh/volumetria/internal/classify"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
	"github.com/gyeh/volumetria/internal/window"
)

func verdict(rule catalog.Rule, r *row, field string, v window.Verdict, bound string) {
	switch {
	case v.Excluded && v.Malformed:
		r.exclude(rule, v.Reason, fmt.Sprintf("%s=%q", field, r.fields[field]))
	case v.Excluded:
		r.exclude(rule, v.Reason, fmt.Sprintf("%s=%s %s", field, v.Date.Format("2006-01-02"), bound))
	case v.Malformed:
		r.touch(rule)
		r.event(rule.ID, model.ActionMalformedPass, fmt.Sprintf("%s=%q", field, r.fields[field]))
	}
}

func realizationCutoff(rule catalog.Rule) applyFunc {
	return func(_ context.Context, r *row) error {
		v := r.eval.CheckRealization(r.fields[model.FieldRealizedDate])
		cutoff := window.RealizationCutoff(r.eval.Period).Format("2006-01-02")
		verdict(rule, r, model.FieldRealizedDate, v, "on or after "+cutoff)
		return nil
	}
}

func reportingWindow(rule catalog.Rule, startDay, endDay int) applyFunc {
	return func(_ context.Context, r *row) error {
		v := r.eval.CheckReport(r.fields[model.FieldReportDate], startDay, endDay)
		from, to := window.ReportingWindow(r.eval.Period, startDay, endDay)
		verdict(rule, r, model.FieldReportDate, v,
			fmt.Sprintf("outside [%s, %s]", from.Format("2006-01-02"), to.Format("2006-01-02")))
		return nil
	}
}

func specialtyBackfill(rule catalog.Rule, b normalize.SpecialtyBackfill) applyFunc {
	return func(ctx context.Context, r *row) error {
		res, err := b.Apply(ctx, r.fields)
		if err != nil {
			return err
		}
		r.mutated(rule, res.Changes)
		if res.Miss {
			r.event(rule.ID, model.ActionLookupMiss, fmt.Sprintf("study %q not in reference table", r.fields[model.FieldStudy]))
		}
		return nil
	}
}

func valueBackfill(rule catalog.Rule, b normalize.ValueBackfill) applyFunc {
	return func(ctx context.Context, r *row) error {
		res, err := b.Apply(ctx, r.fields)
		if err != nil {
			return err
		}
		r.mutated(rule, res.Changes)
		if res.Miss {
			r.event(rule.ID, model.ActionLookupMiss, fmt.Sprintf("no price for %s/%s/%s",
				r.fields[model.FieldModality], r.fields[model.FieldSpecialty], r.fields[model.FieldPriority]))
		}
		return nil
	}
}

func billingClassify(rule catalog.Rule, c *classify.Classifier, priorities normalize.PriorityTable) applyFunc {
	return func(_ context.Context, r *row) error {
		d := c.Classify(classify.Input{
			Client:    r.fields[model.FieldClient],
			Specialty: r.fields[model.FieldSpecialty],
			Urgent:    priorities.IsUrgent(r.fields[model.FieldPriority]),
			Physician: r.fields[model.FieldPhysician],
			Study:     r.fields[model.FieldStudy],
		})
		r.decision = &d
		r.touch(rule)
		r.event(rule.ID, model.ActionClassify, fmt.Sprintf("%s %s via %s", d.BillingType, d.ClientType, d.Branch))
		return nil
	}
}
