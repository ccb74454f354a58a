package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_intents_created_total",
		Help: "Auctions opened",
	})

	intentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_intents_completed_total",
		Help: "Intents settled and completed",
	})

	intentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_intents_failed_total",
			Help: "Intents that reached FAILED",
		},
		[]string{"reason"},
	)

	bidsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_bids_received_total",
		Help: "Bids accepted into open auctions",
	})

	failoversTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_failovers_total",
		Help: "Assignments moved to a failover candidate",
	})
)
