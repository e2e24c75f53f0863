package txpipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "settlements_submitted_total",
		Help:      "Settlements accepted by the settlement service",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "settlements_failed_total",
		Help:      "Settlements the settlement service returned no hash for",
	})
	splitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "settlements_split_total",
		Help:      "Settlements split after a service limit refusal",
	})
	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "settlements_retried_total",
		Help:      "Settlements re-enqueued once after an unclassified failure",
	})
)
