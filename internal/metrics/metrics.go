// Package metrics holds the Prometheus instruments of the session engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the client. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionOps     *prometheus.CounterVec
	Refreshes      *prometheus.CounterVec
	ForcedLogouts  prometheus.Counter
	GuardDecisions *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mindharbor_session_operations_total",
			Help: "Session operations by name and outcome (success, fail, error)",
		}, []string{"op", "outcome"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mindharbor_token_refreshes_total",
			Help: "Access token refresh attempts by result",
		}, []string{"result"}),
		ForcedLogouts: f.NewCounter(prometheus.CounterOpts{
			Name: "mindharbor_forced_logouts_total",
			Help: "Sessions destroyed because the access token could not be renewed",
		}),
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mindharbor_guard_decisions_total",
			Help: "Route guard decisions by kind",
		}, []string{"decision"}),
	}
}

// SessionOp counts one finished session operation.
func (m *Metrics) SessionOp(op, outcome string) {
	if m == nil {
		return
	}
	m.SessionOps.WithLabelValues(op, outcome).Inc()
}

// Refresh counts one refresh attempt.
func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

// ForcedLogout counts one forced logout.
func (m *Metrics) ForcedLogout() {
	if m == nil {
		return
	}
	m.ForcedLogouts.Inc()
}

// GuardDecision counts one route guard decision.
func (m *Metrics) GuardDecision(decision string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(decision).Inc()
}
