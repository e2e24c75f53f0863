package reward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksScannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "blocks_scanned_total",
		Help:      "Chain blocks walked by the revenue scanner",
	})
	revenueCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "revenue_collected_total",
		Help:      "Revenue credited from scanned blocks",
	})
	distributedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "rewards_distributed_total",
		Help:      "Amounts handed to the distribution step, by reward type",
	}, []string{"reward_type"})
)
