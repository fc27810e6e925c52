// ABOUTME: Prometheus collectors for gate decisions, bootstrap outcomes, stream sessions and persistence
// ABOUTME: All record methods are nil-safe so components can run without metrics wired

// Package metrics exposes the controller's counters on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgate"

// Metrics groups every collector used by the module.
type Metrics struct {
	registry *prometheus.Registry

	gateDecisions      *prometheus.CounterVec
	entitlementLookups *prometheus.CounterVec
	pollAttempts       prometheus.Counter
	bootstrapResults   *prometheus.CounterVec
	streamSessions     *prometheus.CounterVec
	streamDeltas       prometheus.Counter
	samplerRuns        *prometheus.CounterVec
	persistFailures    prometheus.Counter
	httpRequests       *prometheus.CounterVec
}

// New creates and registers all collectors, plus Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Entitlement gate decisions by outcome.",
		}, []string{"decision"}),
		entitlementLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "lookups_total",
			Help:      "Entitlement lookups issued, by result.",
		}, []string{"result"}),
		pollAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "poll_attempts_total",
			Help:      "Entitlement poll ticks.",
		}),
		bootstrapResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "results_total",
			Help:      "Template bootstrap outcomes.",
		}, []string{"result"}),
		streamSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Finished stream sessions by outcome.",
		}, []string{"outcome"}),
		streamDeltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "deltas_total",
			Help:      "Content deltas received from the inference stream.",
		}),
		samplerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "runs_total",
			Help:      "Downstream parse/persist invocations by trigger.",
		}, []string{"trigger"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Failed conversation persist calls.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "http_requests_total",
			Help:      "Backend HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.gateDecisions,
		m.entitlementLookups,
		m.pollAttempts,
		m.bootstrapResults,
		m.streamSessions,
		m.streamDeltas,
		m.samplerRuns,
		m.persistFailures,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GateDecision counts a gate decision.
func (m *Metrics) GateDecision(decision string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

// EntitlementLookup counts a lookup result: "active", "inactive" or "error".
func (m *Metrics) EntitlementLookup(result string) {
	if m == nil {
		return
	}
	m.entitlementLookups.WithLabelValues(result).Inc()
}

// PollAttempt counts one poll tick.
func (m *Metrics) PollAttempt() {
	if m == nil {
		return
	}
	m.pollAttempts.Inc()
}

// BootstrapResult counts a bootstrap outcome: "template", "blank", "rate_limited" or "failed".
func (m *Metrics) BootstrapResult(result string) {
	if m == nil {
		return
	}
	m.bootstrapResults.WithLabelValues(result).Inc()
}

// StreamSession counts a finished session: "completed", "aborted" or "error".
func (m *Metrics) StreamSession(outcome string) {
	if m == nil {
		return
	}
	m.streamSessions.WithLabelValues(outcome).Inc()
}

// StreamDelta counts one received delta.
func (m *Metrics) StreamDelta() {
	if m == nil {
		return
	}
	m.streamDeltas.Inc()
}

// SamplerRun counts a downstream invocation: "window" or "flush".
func (m *Metrics) SamplerRun(trigger string) {
	if m == nil {
		return
	}
	m.samplerRuns.WithLabelValues(trigger).Inc()
}

// PersistFailure counts a failed persist.
func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// HTTPRequest counts a backend request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
