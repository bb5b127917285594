package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

// Metrics exposes the pipeline and ledger instruments.
type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	rowsTotal       *prometheus.CounterVec
	creditsConsumed *prometheus.CounterVec
	ledgerConflicts prometheus.Counter
	jobDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formforge_jobs_total",
			Help: "Batch jobs by terminal status.",
		}, []string{"status"}),
		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formforge_rows_total",
			Help: "Processed rows by result.",
		}, []string{"result"}),
		creditsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formforge_credits_consumed_total",
			Help: "Credits committed, by pool.",
		}, []string{"pool"}),
		ledgerConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formforge_ledger_conflicts_total",
			Help: "Ledger compare-and-swap conflicts retried internally.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "formforge_job_duration_seconds",
			Help:    "End-to-end batch duration from submission to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobsTotal, m.rowsTotal, m.creditsConsumed, m.ledgerConflicts, m.jobDuration)
	}
	return m
}

func (m *Metrics) RecordJob(status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.Observe(seconds)
}

func (m *Metrics) RecordRow(result string) {
	if m == nil {
		return
	}
	m.rowsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCredits(pool string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsConsumed.WithLabelValues(pool).Add(float64(amount))
}

func (m *Metrics) RecordLedgerConflict() {
	if m == nil {
		return
	}
	m.ledgerConflicts.Inc()
}

// Module provides the prometheus registry and domain instruments.
var Module = fx.Module("metrics",
	fx.Provide(
		func() *prometheus.Registry { return prometheus.NewRegistry() },
		func(reg *prometheus.Registry) prometheus.Registerer { return reg },
		New,
	),
)
