// Package metrics provides Prometheus instrumentation for the arena platform.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arena",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TicksTotal counts agent decision loop firings by outcome.
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "ticks_total",
			Help:      "Total agent ticks by outcome (hold, trade, skip, stopped).",
		},
		[]string{"outcome"},
	)

	// TradesTotal counts executed trades by fill mode.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "trades_total",
			Help:      "Total trades executed by fill mode (real, simulated).",
		},
		[]string{"mode"},
	)

	// OnboardingStepsTotal counts onboarding step completions by step and result.
	OnboardingStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "onboarding_steps_total",
			Help:      "Total onboarding step transitions by step and result (ok, degraded).",
		},
		[]string{"step", "result"},
	)

	// PhaseTransitionsTotal counts arena phase transitions.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "phase_transitions_total",
			Help:      "Total arena phase transitions by from-phase and to-phase.",
		},
		[]string{"from", "to"},
	)

	// SettlementsTotal counts completed settlements.
	SettlementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "settlements_total",
			Help:      "Total arena settlements completed.",
		},
	)

	// IntelPurchasesTotal counts intel marketplace purchases by result.
	IntelPurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "intel_purchases_total",
			Help:      "Total intel purchases by result (ok, refunded).",
		},
		[]string{"result"},
	)

	// DecisionDuration observes decision provider latency.
	DecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arena",
			Name:      "decision_duration_seconds",
			Help:      "Decision provider latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
		},
	)

	// PortFailuresTotal counts external port call failures by port.
	PortFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arena",
			Name:      "port_failures_total",
			Help:      "Total external capability port failures by port name.",
		},
		[]string{"port"},
	)

	// ActiveArenas tracks arenas not yet settled.
	ActiveArenas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arena",
			Name:      "active_arenas",
			Help:      "Number of arenas currently in lobby, trading, or reveal.",
		},
	)

	// ActiveAgentLoops tracks running per-agent tick loops.
	ActiveAgentLoops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arena",
			Name:      "active_agent_loops",
			Help:      "Number of agent decision loops currently running.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket observers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arena",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TicksTotal,
		TradesTotal,
		OnboardingStepsTotal,
		PhaseTransitionsTotal,
		SettlementsTotal,
		IntelPurchasesTotal,
		DecisionDuration,
		PortFailuresTotal,
		ActiveArenas,
		ActiveAgentLoops,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
