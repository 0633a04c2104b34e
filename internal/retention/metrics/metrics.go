package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RecordsArchived  *prometheus.CounterVec
	RecordsDeleted   *prometheus.CounterVec
	PolicyFailures   prometheus.Counter
	SelfLogFailures  prometheus.Counter
	SweepDuration    prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		RecordsArchived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_retention_records_archived_total",
			Help: "Total audit records archived by retention sweeps",
		}, []string{"classification"}),
		RecordsDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_retention_records_deleted_total",
			Help: "Total audit records deleted by retention sweeps",
		}, []string{"classification"}),
		PolicyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_policy_failures_total",
			Help: "Total retention policy applications that failed",
		}),
		SelfLogFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_retention_selflog_failures_total",
			Help: "Total failures writing the retention run's own audit event",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_retention_sweep_duration_seconds",
			Help:    "Duration of full retention sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ObserveArchived(classification string, n int64) {
	m.RecordsArchived.WithLabelValues(classification).Add(float64(n))
}

func (m *Metrics) ObserveDeleted(classification string, n int64) {
	m.RecordsDeleted.WithLabelValues(classification).Add(float64(n))
}
