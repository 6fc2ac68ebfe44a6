package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the draft proxy.
//
// Naming convention: namespace_subsystem_name
// - namespace: yahoo_proxy (application-level grouping)
// - subsystem: websocket, room, upstream (feature-level grouping)
// - name: specific metric (connections_active, dials_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of downstream WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yahoo_proxy",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active downstream WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "yahoo_proxy",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RelayedFrames counts frames moved across the bridge, labelled by direction
	// (to_upstream, to_clients)
	RelayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yahoo_proxy",
		Subsystem: "room",
		Name:      "relayed_frames_total",
		Help:      "Total frames relayed between downstream clients and the upstream socket",
	}, []string{"direction"})

	// UpstreamDials counts upstream dial attempts by outcome (success, failure)
	UpstreamDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yahoo_proxy",
		Subsystem: "upstream",
		Name:      "dials_total",
		Help:      "Total upstream WebSocket dial attempts",
	}, []string{"status"})

	// HeartbeatsSent counts heartbeat frames sent to the upstream
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "yahoo_proxy",
		Subsystem: "upstream",
		Name:      "heartbeats_sent_total",
		Help:      "Total heartbeat frames sent to the upstream socket",
	})

	// RateLimitExceeded counts rejected requests per endpoint and limit type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "yahoo_proxy",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
