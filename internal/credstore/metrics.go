package credstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts grant operations by outcome.
type Metrics struct {
	Checks *prometheus.CounterVec
	Stores *prometheus.CounterVec
	Clears prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credstore_check_total",
			Help: "Grant checks by result.",
		}, []string{"result"}),
		Stores: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credstore_store_total",
			Help: "Grant uploads by result.",
		}, []string{"result"}),
		Clears: factory.NewCounter(prometheus.CounterOpts{
			Name: "credstore_clear_total",
			Help: "Grant deletions.",
		}),
	}
}
