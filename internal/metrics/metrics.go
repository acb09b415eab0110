// Package metrics exposes Prometheus instrumentation for the decision
// pipeline, execution path, and approval lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance core.
type Metrics struct {
	// Decision pipeline
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	RiskScore        *prometheus.HistogramVec

	// Execution path
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec

	// Approval lifecycle
	ApprovalsOpen      *prometheus.GaugeVec
	ApprovalResolution *prometheus.HistogramVec

	// Audit ledger
	AuditEntriesTotal *prometheus.CounterVec
}

// New creates and registers all metrics against the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_decisions_total",
				Help: "Policy evaluations by terminal outcome",
			},
			[]string{"outcome"}, // executed, pending_approval, denied
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_decision_duration_seconds",
				Help:    "End-to-end latency of the decision pipeline",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cartridge"},
		),
		RiskScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_risk_score",
				Help:    "Computed composite risk scores",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
			[]string{"category"},
		),
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_executions_total",
				Help: "Cartridge executions by result",
			},
			[]string{"cartridge", "status"}, // status: success, failure
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_execution_duration_seconds",
				Help:    "Wall time spent inside cartridge Execute",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"cartridge"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_breaker_state",
				Help: "Circuit breaker state per cartridge (0 closed, 1 half-open, 2 open)",
			},
			[]string{"cartridge"},
		),
		ApprovalsOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_approvals_open",
				Help: "Pending approval requests",
			},
			[]string{"organization"},
		),
		ApprovalResolution: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_approval_resolution_seconds",
				Help:    "Time from request creation to resolution",
				Buckets: []float64{60, 300, 900, 3600, 14400, 43200, 86400},
			},
			[]string{"status"}, // approved, rejected, patched, expired, cancelled
		),
		AuditEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_audit_entries_total",
				Help: "Audit ledger appends by event type",
			},
			[]string{"event_type"},
		),
	}
}

// RecordDecision records a pipeline outcome and its latency.
func (m *Metrics) RecordDecision(outcome, cartridgeID string, elapsed time.Duration) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
	m.DecisionDuration.WithLabelValues(cartridgeID).Observe(elapsed.Seconds())
}

// RecordRiskScore records a computed score under its category.
func (m *Metrics) RecordRiskScore(category string, score float64) {
	m.RiskScore.WithLabelValues(category).Observe(score)
}

// RecordExecution records one cartridge execution.
func (m *Metrics) RecordExecution(cartridgeID string, success bool, elapsed time.Duration) {
	status := "failure"
	if success {
		status = "success"
	}
	m.ExecutionsTotal.WithLabelValues(cartridgeID, status).Inc()
	m.ExecutionDuration.WithLabelValues(cartridgeID).Observe(elapsed.Seconds())
}

// SetBreakerState mirrors a breaker transition into the gauge.
func (m *Metrics) SetBreakerState(cartridgeID, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.BreakerState.WithLabelValues(cartridgeID).Set(value)
}

// SetApprovalsOpen sets the pending-request gauge for an organization.
func (m *Metrics) SetApprovalsOpen(organizationID string, count int) {
	m.ApprovalsOpen.WithLabelValues(organizationID).Set(float64(count))
}

// RecordApprovalResolution records a resolved request's lifetime.
func (m *Metrics) RecordApprovalResolution(status string, lifetime time.Duration) {
	m.ApprovalResolution.WithLabelValues(status).Observe(lifetime.Seconds())
}

// RecordAuditEntry counts one ledger append.
func (m *Metrics) RecordAuditEntry(eventType string) {
	m.AuditEntriesTotal.WithLabelValues(eventType).Inc()
}
