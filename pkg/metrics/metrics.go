// Package metrics exposes the engine's diagnostic counters. Dropped
// envelopes never fail the process; they are counted here instead.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	ReasonMalformed         = "malformed_envelope"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonUnexpected        = "unexpected_message"
	ReasonUnknownSession    = "unknown_session"
	ReasonUnknownKind       = "unknown_kind"
	ReasonDuplicate         = "duplicate"
)

type Metrics struct {
	reg *prometheus.Registry

	Received        prometheus.Counter
	Dropped         *prometheus.CounterVec
	PublishAttempts prometheus.Counter
	PublishFailures prometheus.Counter
	Transitions     *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradewire",
			Name:      "envelopes_received_total",
			Help:      "Envelopes read from relays, before dedup.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradewire",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped, by reason.",
		}, []string{"reason"}),
		PublishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradewire",
			Name:      "publish_attempts_total",
			Help:      "Publish rounds across the relay set.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradewire",
			Name:      "publish_failures_total",
			Help:      "Publishes that exhausted every retry.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradewire",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by role and target state.",
		}, []string{"role", "state"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradewire",
			Name:      "sessions_active",
			Help:      "Non-terminal sessions held by the registry.",
		}),
	}
	m.reg.MustRegister(m.Received, m.Dropped, m.PublishAttempts, m.PublishFailures, m.Transitions, m.ActiveSessions)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.Received.Inc()
}

func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncPublishAttempt() {
	if m == nil {
		return
	}
	m.PublishAttempts.Inc()
}

func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) Transition(role, state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(role, state).Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
