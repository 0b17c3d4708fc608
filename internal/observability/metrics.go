package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	MessagesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_appended_total",
			Help: "Total number of messages appended",
		},
		[]string{"service", "type"},
	)

	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Current number of active delta subscriptions",
		},
	)

	DeltasDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltas_delivered_total",
			Help: "Total number of delta events delivered to subscribers",
		},
		[]string{"kind"},
	)

	DeltaDeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delta_delivery_latency_seconds",
			Help:    "Latency from commit to subscriber delivery",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Unprocessed rows in the transactional outbox",
		},
		[]string{"service"},
	)
)
