package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Exports          *prometheus.CounterVec
	Pseudonymizations *prometheus.CounterVec
	Erasures         prometheus.Counter
	RecordsErased    prometheus.Counter
	RecordsPreserved prometheus.Counter
	ReverseLookups   *prometheus.CounterVec
	SelfLogFailures  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Exports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_dsr_exports_total",
			Help: "Total data exports served, by format",
		}, []string{"format"}),
		Pseudonymizations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_dsr_pseudonymizations_total",
			Help: "Total pseudonymization requests completed, by strategy",
		}, []string{"strategy"}),
		Erasures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_dsr_erasures_total",
			Help: "Total erasure requests completed",
		}),
		RecordsErased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_dsr_records_erased_total",
			Help: "Total audit records hard-deleted by erasure requests",
		}),
		RecordsPreserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_dsr_records_preserved_total",
			Help: "Total compliance records preserved in pseudonymized form",
		}),
		ReverseLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_dsr_reverse_lookups_total",
			Help: "Total privileged reverse lookups, by outcome",
		}, []string{"outcome"}),
		SelfLogFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_dsr_selflog_failures_total",
			Help: "Total failures writing a DSR action's own audit event",
		}),
	}
}
