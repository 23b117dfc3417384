// Package metrics provides Prometheus instrumentation for the execution core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GuardRejections counts signals rejected by the duplicate guard, by layer and reason.
	GuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_guard_rejections_total",
		Help: "Signals rejected by the duplicate guard",
	}, []string{"layer", "reason"})

	// GuardAdmissions counts signals that passed every guard layer.
	GuardAdmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_guard_admissions_total",
		Help: "Signals admitted by the duplicate guard",
	})

	// GatewayAttempts counts exchange calls by operation and outcome.
	GatewayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_gateway_attempts_total",
		Help: "Exchange call attempts",
	}, []string{"op", "outcome"})

	// GatewayLatency tracks exchange call latency.
	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeguard_gateway_latency_seconds",
		Help:    "Exchange call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ReconcileDrift counts drift found by reconciliation, by kind.
	ReconcileDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_reconcile_drift_total",
		Help: "Disagreements between exchange and local state",
	}, []string{"kind"})

	// ReconcileRuns counts reconciliation passes by result.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_reconcile_runs_total",
		Help: "Reconciliation passes",
	}, []string{"result"})

	// PositionTransitions counts state machine transitions by target state.
	PositionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_position_transitions_total",
		Help: "Position state transitions",
	}, []string{"to"})

	// OpenPositions tracks open positions by state.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeguard_open_positions",
		Help: "Open managed positions by state",
	}, []string{"state"})

	// KillSwitchArmed is 1 while the kill switch is armed.
	KillSwitchArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeguard_kill_switch_armed",
		Help: "1 when the kill switch is armed",
	})

	// AuditEvents counts audit events by kind and severity.
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_audit_events_total",
		Help: "Audit events written",
	}, []string{"kind", "severity"})

	// CycleDuration tracks how long an auction cycle takes.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeguard_cycle_duration_seconds",
		Help:    "Auction cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// HTTPRequestsTotal counts operational API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks operational API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeguard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
