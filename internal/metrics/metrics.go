package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_ingested_total",
			Help: "Message submissions by outcome (created, duplicate, rejected, error).",
		},
		[]string{"result"},
	)

	FanoutPublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_fanout_publish_errors_total",
			Help: "Bus publications that failed after the message was persisted.",
		},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_ratelimit_decisions_total",
			Help: "Rate limiter decisions by policy.",
		},
		[]string{"policy", "decision"},
	)

	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connections",
			Help: "Socket connections attached to this process.",
		},
	)

	BusTopics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_bus_topics",
			Help: "Bus topics this process is subscribed to.",
		},
	)
)

func init() {
	prometheus.MustRegister(MessagesIngested)
	prometheus.MustRegister(FanoutPublishErrors)
	prometheus.MustRegister(RateLimitDecisions)
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(BusTopics)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
