package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_presence", Name: "drivers_online", Help: "Drivers with a live position"})
	LocationUpdates  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_presence", Name: "location_updates_total", Help: "Driver location publishes accepted by the hub"})
	DriversRemoved   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_presence", Name: "drivers_removed_total", Help: "Drivers removed from the live table"}, []string{"reason"})
	FanoutDropped    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_presence", Name: "fanout_dropped_total", Help: "Events discarded because a subscriber queue was full"}, []string{"topic"})
	WSConnections    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_presence", Name: "ws_connections", Help: "Open realtime connections"})
	RideTransitions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_presence", Name: "ride_transitions_total", Help: "Ride lifecycle transitions by resulting status"}, []string{"status"})
	ChatMessages     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_presence", Name: "chat_messages_total", Help: "Chat messages stored"})
	RankLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_presence", Name: "rank_latency_seconds", Help: "Driver ranking latency seconds"})
	SinkErrors       = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_presence", Name: "sink_errors_total", Help: "Errors forwarding presence events to external sinks"}, []string{"sink"})
	NotificationsOut = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_presence", Name: "notifications_total", Help: "Ride notifications by channel"}, []string{"channel"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_presence", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_presence",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
