package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	escrowsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_escrows_opened_total",
		Help: "Escrow records created",
	})

	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_settlements_total",
			Help: "Settlement attempts by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	refundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_refunds_total",
		Help: "Escrows refunded on timeout or cancel",
	})

	feesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_platform_fees_units",
		Help: "Platform fees collected, in whole token units",
	})
)
