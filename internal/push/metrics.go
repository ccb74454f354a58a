package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_push_active_connections",
		Help: "Currently connected push subscribers",
	})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_push_messages_sent_total",
		Help: "Messages delivered to subscribers",
	})

	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_push_messages_dropped_total",
		Help: "LOW-priority messages shed by backpressure",
	})
)
