package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts API and proxy requests by route class and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of HTTP requests processed, API and proxied preview traffic alike.",
		},
		[]string{"route", "status_code"},
	)

	// RequestDuration tracks time spent handling requests per route class.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// SessionStartsTotal traces session creation attempts.
	SessionStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_session_starts_total",
			Help: "Total session start attempts.",
		},
		[]string{"result"}, // "success" or "error"
	)

	// SessionStartDuration tracks container launch + readiness probe time.
	SessionStartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_session_start_duration_seconds",
			Help:    "Time taken for a session to reach running.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 30, 60},
		},
	)

	// ActiveSessions is the current live session count.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Number of live preview sessions.",
		},
	)

	// AllocatedPorts is the current size of the in-use port set.
	AllocatedPorts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_allocated_ports",
			Help: "Number of host ports currently held by sessions.",
		},
	)

	// IdleReapsTotal tracks sessions stopped by the reaper.
	IdleReapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_idle_reaps_total",
			Help: "Total sessions stopped due to idle timeout.",
		},
	)

	// WebSocketTunnels tracks currently open proxied WebSocket tunnels.
	WebSocketTunnels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_tunnels",
			Help: "Currently open proxied WebSocket tunnels (HMR and friends).",
		},
	)

	// BroadcastDropsTotal counts messages dropped for slow hub subscribers.
	BroadcastDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_broadcast_drops_total",
			Help: "Event-hub messages dropped because a subscriber could not keep up.",
		},
	)
)

// RecordRequest is a thread-safe helper to bump request metrics.
func RecordRequest(route, statusCode string, durationSec float64) {
	RequestsTotal.WithLabelValues(route, statusCode).Inc()
	RequestDuration.WithLabelValues(route).Observe(durationSec)
}

// RecordSessionStart bumps session start metrics.
func RecordSessionStart(success bool, durationSec float64) {
	result := "error"
	if success {
		result = "success"
		SessionStartDuration.Observe(durationSec)
	}
	SessionStartsTotal.WithLabelValues(result).Inc()
}
