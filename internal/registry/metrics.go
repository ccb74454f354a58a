package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_providers_registered_total",
		Help: "Total provider registrations accepted",
	})

	providersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_providers_online",
		Help: "Providers currently within the liveness window",
	})

	jobsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_provider_jobs_total",
			Help: "Job outcomes recorded against providers",
		},
		[]string{"outcome"}, // success, failure
	)
)
