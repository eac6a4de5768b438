package excapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the exception API.
type Metrics struct {
	IngestsTotal    *prometheus.CounterVec
	OperationsTotal *prometheus.CounterVec
	ConflictRetries prometheus.Counter
	AdviceTotal     *prometheus.CounterVec
}

// NewMetrics registers and returns API metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_ingests_total",
			Help: "Total exception records ingested by type and severity.",
		}, []string{"type", "severity"}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_operations_total",
			Help: "Total triage operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_operation_conflict_retries_total",
			Help: "Total optimistic-concurrency retries across triage operations.",
		}),
		AdviceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_advice_total",
			Help: "Total advisory summaries served by narrative source.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.IngestsTotal,
		m.OperationsTotal,
		m.ConflictRetries,
		m.AdviceTotal,
	)

	return m
}
