package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the presence fabric.
//
// Naming convention: namespace_subsystem_name
// - namespace: presence (application-level grouping)
// - subsystem: conn, room, bridge, reaper, store, rate_limit, circuit_breaker
// - name: specific metric
//
// Metric Types:
// - Gauge: Current state (connections, rooms)
// - Counter: Cumulative events (joins, heartbeats, errors)
// - Histogram: Latency distributions (store op duration, reaper sweep duration)

var (
	// ConnectionsActive tracks the current number of tracked live connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "conn",
		Name:      "connections_active",
		Help:      "Current number of connections tracked as present",
	})

	// RoomsActive tracks the current number of rooms with at least one connection.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of distinct present users per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of distinct present users in each room",
	}, []string{"room_id"})

	// ServiceOperationsTotal counts join/heartbeat/leave calls by outcome.
	ServiceOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "service",
		Name:      "operations_total",
		Help:      "Total presence service operations processed",
	}, []string{"operation", "status"})

	// ServiceOperationDuration tracks join/heartbeat/leave latency.
	ServiceOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "service",
		Name:      "operation_duration_seconds",
		Help:      "Time spent executing a presence service operation",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	// BridgeEventsTotal counts events fanned out by the event bridge, by handler outcome.
	BridgeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "bridge",
		Name:      "events_total",
		Help:      "Total cross-node presence events delivered to local handlers",
	}, []string{"event_type", "status"})

	// BridgeSubscribedRooms is 1 while the bridge's single all-rooms pattern
	// subscription is active and 0 otherwise.
	BridgeSubscribedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "bridge",
		Name:      "subscribed_rooms",
		Help:      "Number of active event bridge pattern subscriptions (one covers every room)",
	})

	// ReaperSweepsTotal counts completed reaper sweep ticks.
	ReaperSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reaper",
		Name:      "sweeps_total",
		Help:      "Total number of reaper sweep ticks completed",
	})

	// ReaperRoomsScanned counts rooms scanned per sweep.
	ReaperRoomsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reaper",
		Name:      "rooms_scanned_total",
		Help:      "Total number of rooms scanned across all reaper sweeps",
	})

	// ReaperConnectionsReaped counts stale connections evicted by the reaper.
	ReaperConnectionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reaper",
		Name:      "connections_reaped_total",
		Help:      "Total number of stale connections reaped",
	})

	// ReaperSweepDuration tracks the wall time of a full reaper sweep.
	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "reaper",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a full reaper sweep across all active rooms",
		Buckets:   prometheus.DefBuckets,
	})

	// CircuitBreakerState tracks the current state of the store circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerRejections tracks requests rejected while the breaker is open.
	CircuitBreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "circuit_breaker",
		Name:      "rejections_total",
		Help:      "Total store requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks throttled join/heartbeat requests.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"operation", "scope"})

	// StoreOperationsTotal counts backing store calls by outcome.
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total number of backing store operations",
	}, []string{"operation", "status"})

	// StoreOperationDuration tracks backing store call latency.
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of backing store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ConnectionsActive.Inc()
}

func DecConnection() {
	ConnectionsActive.Dec()
}
