package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "poolnet",
		Name:      "active_sessions",
		Help:      "Currently registered sessions per socket",
	}, []string{"socket"})
	rejectedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poolnet",
		Name:      "rejected_connections_total",
		Help:      "Connections refused at the per-socket cap",
	}, []string{"socket"})
)
