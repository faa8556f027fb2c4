package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the real-time messaging core.
//
// Naming convention: namespace_subsystem_name
// - namespace: duochat (application-level grouping)
// - subsystem: websocket, presence, message, ratelimit (feature-level grouping)
// - name: specific metric (connections_active, lifecycle_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, online users, subscribed rooms)
// - Counter: Cumulative events (messages by lifecycle stage, errors)
// - Histogram: Latency distributions (event processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duochat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one active session.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duochat",
		Subsystem: "presence",
		Name:      "users_online",
		Help:      "Number of users currently online",
	})

	// ActiveRooms tracks the number of conversation rooms with at least one subscriber.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "duochat",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Number of conversation rooms with at least one subscribed session",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duochat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks the time spent processing inbound events.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "duochat",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing inbound WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// MessageLifecycle counts message transitions by stage (sent, delivered, read).
	MessageLifecycle = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duochat",
		Subsystem: "message",
		Name:      "lifecycle_total",
		Help:      "Total message lifecycle transitions by stage",
	}, []string{"stage"})

	// TypingExpirations counts typing indicators expired by the idle reaper.
	TypingExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "duochat",
		Subsystem: "typing",
		Name:      "expirations_total",
		Help:      "Typing indicators cleared by the idle timeout",
	})

	// RateLimitRequests counts requests passing through rate limiters.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duochat",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against rate limits",
	}, []string{"endpoint"})

	// RateLimitExceeded counts rejected requests by endpoint and key type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duochat",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limits",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState exposes the current breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "duochat",
		Subsystem: "ratelimit",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations dropped while a breaker was open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duochat",
		Subsystem: "ratelimit",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations dropped because a circuit breaker was open",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
