// Package metrics exports processing and reconciliation counters to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gyeh/volumetria/internal/batch"
)

// Recorder implements batch.Recorder and reconcile.Recorder.
type Recorder struct {
	rowsConsumed  *prometheus.CounterVec
	rowsSurviving *prometheus.CounterVec
	rowsExcluded  *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	rowIssues     *prometheus.CounterVec
	lots          *prometheus.CounterVec
	lotDuration   *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

// New registers the collectors on reg, or on the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		rowsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_rows_consumed_total",
			Help: "Staging rows consumed by committed lots.",
		}, []string{"category"}),
		rowsSurviving: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_rows_surviving_total",
			Help: "Rows written to the final table.",
		}, []string{"category"}),
		rowsExcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_rows_excluded_total",
			Help: "Rows excluded, by rule.",
		}, []string{"category", "rule"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_rows_duplicate_total",
			Help: "Rows collapsed onto an existing natural key.",
		}, []string{"category"}),
		rowIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_row_issues_total",
			Help: "Per-row problems seen while evaluating lots.",
		}, []string{"category", "issue"}),
		lots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_lots_committed_total",
			Help: "Lots committed.",
		}, []string{"category"}),
		lotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "volumetria_lot_duration_seconds",
			Help:    "Wall time to evaluate and commit one lot.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"category"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_invocation_failures_total",
			Help: "Failed invocations by error kind.",
		}, []string{"kind"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetria_reconciliation_alerts_total",
			Help: "Reconciliation alerts raised, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		r.rowsConsumed,
		r.rowsSurviving,
		r.rowsExcluded,
		r.duplicates,
		r.rowIssues,
		r.lots,
		r.lotDuration,
		r.failures,
		r.alerts,
	)
	return r
}

func (r *Recorder) ObserveLot(s batch.LotStats) {
	if r == nil {
		return
	}
	cat := string(s.Category)
	r.lots.WithLabelValues(cat).Inc()
	r.lotDuration.WithLabelValues(cat).Observe(s.Duration.Seconds())
	r.rowsConsumed.WithLabelValues(cat).Add(float64(s.Consumed))
	r.rowsSurviving.WithLabelValues(cat).Add(float64(s.Inserted))
	for rule, n := range s.Excluded {
		if n > 0 {
			r.rowsExcluded.WithLabelValues(cat, rule).Add(float64(n))
		}
	}
	if s.Duplicates > 0 {
		r.duplicates.WithLabelValues(cat).Add(float64(s.Duplicates))
	}
	for issue, n := range map[string]int{
		"lookup_miss": s.LookupMisses,
		"malformed":   s.Malformed,
		"timeout":     s.Timeouts,
		"eval_error":  s.EvalErrors,
	} {
		if n > 0 {
			r.rowIssues.WithLabelValues(cat, issue).Add(float64(n))
		}
	}
}

func (r *Recorder) ObserveFailure(kind string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveAlert(kind string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(kind).Inc()
}
