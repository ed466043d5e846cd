// Package metrics holds the Prometheus collectors for screen synchronization.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screensync_commands_sent_total",
			Help: "Commands delivered to screen connections",
		},
		[]string{"type"},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screensync_send_failures_total",
			Help: "Commands that could not be delivered to a screen connection",
		},
		[]string{"type"},
	)

	RealignOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screensync_realign_total",
			Help: "Drift correction attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "anchor", "cooldown", "not_registered", "invalid_state"
	)

	DevicesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screensync_devices_online",
			Help: "Devices currently marked online",
		},
	)

	DevicesKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screensync_devices_known",
			Help: "Device records held by the registry, online or not",
		},
	)

	HeartbeatRoundTrip = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screensync_heartbeat_rtt_seconds",
			Help:    "Round trip of heartbeats",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	PositionDrift = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screensync_position_drift_seconds",
			Help:    "Absolute drift of reported positions from the shared timeline",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "screensync_websocket_connections",
			Help: "Open screen websocket connections",
		},
	)
)
