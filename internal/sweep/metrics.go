package sweep

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sweep subsystem.
type Metrics struct {
	SweepsTotal      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	RecordsExamined  prometheus.Histogram
	SLAUpdatesTotal  prometheus.Counter
	EscalationsTotal prometheus.Counter
	RuleMatchesTotal prometheus.Counter
	ClustersCreated  prometheus.Counter
	AutoClosesTotal  prometheus.Counter
	DigestsTotal     prometheus.Counter
	ConflictsTotal   prometheus.Counter
}

// NewMetrics registers and returns sweep metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sweeps_total",
			Help: "Total sweep runs by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_sweep_duration_seconds",
			Help:    "Duration of full sweep runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		RecordsExamined: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_sweep_records_examined",
			Help:    "Open exception records examined per sweep run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. ~16k
		}),
		SLAUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_sla_updates_total",
			Help: "Total SLA policy applications and at-risk flag changes.",
		}),
		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_escalations_total",
			Help: "Total escalations performed by the sweeper.",
		}),
		RuleMatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_rule_matches_total",
			Help: "Total rule applications across sweep runs.",
		}),
		ClustersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_clusters_created_total",
			Help: "Total clusters created by batch clustering passes.",
		}),
		AutoClosesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_auto_closes_total",
			Help: "Total records auto-closed after source resolution.",
		}),
		DigestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_digests_total",
			Help: "Total per-tenant digest notifications delivered.",
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sweep_conflicts_total",
			Help: "Total optimistic-concurrency conflicts hit while applying deltas.",
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepDuration,
		m.RecordsExamined,
		m.SLAUpdatesTotal,
		m.EscalationsTotal,
		m.RuleMatchesTotal,
		m.ClustersCreated,
		m.AutoClosesTotal,
		m.DigestsTotal,
		m.ConflictsTotal,
	)

	return m
}
