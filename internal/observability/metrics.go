package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// SessionsTotal is the gauge of active WebSocket sessions.
	SessionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_websocket_sessions_total",
		Help: "Total number of active WebSocket sessions",
	})

	// RoomMembers is the gauge of sessions subscribed per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_room_members",
		Help: "Number of sessions subscribed per room",
	}, []string{"room"})

	// GatewayEventsTotal counts inbound WebSocket events by type.
	GatewayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gateway_events_total",
		Help: "Total inbound WebSocket events by type",
	}, []string{"event"})

	// GatewayBackpressureDrops counts frames dropped due to slow consumers.
	GatewayBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gateway_backpressure_drops_total",
		Help: "Total number of frames dropped due to backpressure",
	}, []string{"reason"})

	// BusPublishTotal counts events published to the bus by topic and outcome.
	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_bus_publish_total",
		Help: "Total events published to the event bus by topic and outcome",
	}, []string{"topic", "outcome"})

	// BusConsumeTotal counts events consumed from the bus by topic and outcome.
	BusConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_bus_consume_total",
		Help: "Total events consumed from the event bus by topic and outcome",
	}, []string{"topic", "outcome"})

	// MessagesPersistedTotal counts messages persisted by final status.
	MessagesPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_persisted_total",
		Help: "Total messages persisted by status",
	}, []string{"status"})
)

// DatabaseMetrics records query latency for repository calls.
type DatabaseMetrics struct{}

// NewDatabaseMetrics returns a new DatabaseMetrics instance.
func NewDatabaseMetrics() *DatabaseMetrics {
	return &DatabaseMetrics{}
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func (m *DatabaseMetrics) TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// RecordRedisError increments the Redis error counter for the operation.
func RecordRedisError(operation string) {
	RedisErrorRate.WithLabelValues(operation).Inc()
}
