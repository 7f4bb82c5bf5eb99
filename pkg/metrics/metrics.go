package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreated counts sessions created by the registry.
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termrelay_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	// SessionsClosed counts session closures by reason (graceful|timeout|expired).
	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_sessions_closed_total",
			Help: "Total number of sessions closed, by reason",
		},
		[]string{"reason"},
	)

	// ActiveSessions tracks sessions currently tracked by the registry.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termrelay_active_sessions",
			Help: "Number of sessions currently tracked by the registry",
		},
	)

	// TerminalsSpawned counts terminals successfully created.
	TerminalsSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termrelay_terminals_spawned_total",
			Help: "Total number of terminals successfully started",
		},
	)

	// TerminalsClosed counts terminal closures.
	TerminalsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termrelay_terminals_closed_total",
			Help: "Total number of terminals closed",
		},
	)

	// ActiveTerminals is registered for terminals currently open across all
	// sessions; nothing in the relay sets it, so it reads zero.
	ActiveTerminals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termrelay_active_terminals",
			Help: "Number of terminals currently open across all sessions",
		},
	)

	// ViewerConnections counts viewer connections accepted, by role (interactive|mirror).
	ViewerConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_viewer_connections_total",
			Help: "Total number of viewer connections accepted, by role",
		},
		[]string{"role"},
	)

	// ActiveViewers is registered for viewers currently attached to a
	// terminal, by role; nothing in the relay sets it, so it reads zero.
	ActiveViewers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "termrelay_active_viewers",
			Help: "Number of viewers currently attached, by role",
		},
		[]string{"role"},
	)

	// FramesDropped counts frames dropped by the codec or fan-out path, by reason.
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_frames_dropped_total",
			Help: "Total number of frames dropped, by reason",
		},
		[]string{"reason"},
	)

	// SocketCloses counts every WebSocket close, by endpoint and close code.
	SocketCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_socket_closes_total",
			Help: "Total number of socket closes, by endpoint and close code",
		},
		[]string{"endpoint", "code"},
	)

	// SpawnLatency is registered for the time between requestSpawn and
	// terminal_started; nothing in the relay observes into it.
	SpawnLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "termrelay_spawn_latency_seconds",
			Help:    "Latency between a spawn request and the producer's response",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APILatency measures REST endpoint latencies (health, metrics).
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termrelay_api_latency_seconds",
			Help:    "REST endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RoomBroadcasts is registered for room broker broadcasts, by event type;
	// nothing in the relay increments it.
	RoomBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termrelay_room_broadcasts_total",
			Help: "Total number of room broker broadcasts, by event",
		},
		[]string{"event"},
	)
)
