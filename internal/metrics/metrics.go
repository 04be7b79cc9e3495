// ABOUTME: Prometheus metrics for the router.
// ABOUTME: Uses a private registry so tests and embedders never fight over the global one.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the router's instruments behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	backendsReady   prometheus.Gauge
	backendsTotal   prometheus.Gauge
	sessionsActive  prometheus.Gauge
	pendingRequests prometheus.Gauge

	callsTotal       *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	swapsTotal       *prometheus.CounterVec
	admissionRejects prometheus.Counter
}

// New creates the instrument set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		backendsReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpm_router_backends_ready",
			Help: "Backends currently in the ready state.",
		}),
		backendsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpm_router_backends_total",
			Help: "Backends in the active profile.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpm_router_sessions_active",
			Help: "Active client sessions.",
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpm_router_pending_requests",
			Help: "Requests currently in flight to backends.",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpm_router_calls_total",
			Help: "Forwarded calls by backend, method, and outcome.",
		}, []string{"backend", "method", "status"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpm_router_call_duration_seconds",
			Help:    "Forwarded call latency by backend and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "method"}),
		swapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpm_router_profile_swaps_total",
			Help: "Profile activations by outcome.",
		}, []string{"status"}),
		admissionRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcpm_router_admission_rejects_total",
			Help: "Requests rejected because the in-flight bound was reached.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one forwarded call.
func (m *Metrics) ObserveCall(backend, method, status string, d time.Duration) {
	m.callsTotal.WithLabelValues(backend, method, status).Inc()
	m.callDuration.WithLabelValues(backend, method).Observe(d.Seconds())
}

// SetBackends updates the backend gauges after a swap or state change.
func (m *Metrics) SetBackends(ready, total int) {
	m.backendsReady.Set(float64(ready))
	m.backendsTotal.Set(float64(total))
}

// SetSessions updates the active session gauge.
func (m *Metrics) SetSessions(n int) {
	m.sessionsActive.Set(float64(n))
}

// SetPending updates the in-flight request gauge.
func (m *Metrics) SetPending(n int) {
	m.pendingRequests.Set(float64(n))
}

// SwapResult counts a profile activation outcome.
func (m *Metrics) SwapResult(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.swapsTotal.WithLabelValues(status).Inc()
}

// AdmissionRejected counts a request turned away at the admission bound.
func (m *Metrics) AdmissionRejected() {
	m.admissionRejects.Inc()
}
