// Package metrics declares the Prometheus instruments of the disbursement flow engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "disbursement"

// Metrics groups every engine instrument. A nil *Metrics records nothing.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	OperationErrors    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	Verifications      *prometheus.CounterVec
	RemindersSent      prometheus.Counter
	TimersDropped      prometheus.Counter
	SideEffectFailures *prometheus.CounterVec
	AutoApprovalFlag   prometheus.Gauge
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "flow",
				Name:      "transitions_total",
				Help:      "Step transitions applied, by flow type and action",
			},
			[]string{"flow_type", "action"},
		),

		OperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "flow",
				Name:      "operation_errors_total",
				Help:      "Failed engine operations, by operation and error code",
			},
			[]string{"operation", "code"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "flow",
				Name:      "operation_duration_seconds",
				Help:      "Engine operation latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		Verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verification",
				Name:      "events_total",
				Help:      "Disbursement verification codes issued and redeemed, by outcome",
			},
			[]string{"event", "outcome"},
		),

		RemindersSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escalation",
				Name:      "reminders_sent_total",
				Help:      "Recap reminders sent by the escalation sweep",
			},
		),

		TimersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escalation",
				Name:      "timers_dropped_total",
				Help:      "Escalation timers discarded because the flow moved on",
			},
		),

		SideEffectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "side_effects",
				Name:      "failures_total",
				Help:      "Audit, error log and notification writes that failed",
			},
			[]string{"kind"},
		),

		AutoApprovalFlag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "config",
				Name:      "auto_approval_enabled",
				Help:      "Auto-approval flag as last read or written (0=disabled, 1=enabled)",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transitions,
			m.OperationErrors,
			m.OperationDuration,
			m.Verifications,
			m.RemindersSent,
			m.TimersDropped,
			m.SideEffectFailures,
			m.AutoApprovalFlag,
		)
	}
	return m
}

// Transition counts one applied step transition.
func (m *Metrics) Transition(flowType, action string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(flowType, action).Inc()
}

// OperationError counts a failed operation.
func (m *Metrics) OperationError(operation, code string) {
	if m == nil {
		return
	}
	m.OperationErrors.WithLabelValues(operation, code).Inc()
}

// ObserveOperation records how long an operation took since start.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Verification counts a code issue or redemption outcome.
func (m *Metrics) Verification(event, outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(event, outcome).Inc()
}

// ReminderSent counts a recap reminder.
func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.RemindersSent.Inc()
}

// TimerDropped counts a discarded escalation timer.
func (m *Metrics) TimerDropped() {
	if m == nil {
		return
	}
	m.TimersDropped.Inc()
}

// SideEffectFailure counts a failed audit, error log or notification write.
func (m *Metrics) SideEffectFailure(kind string) {
	if m == nil {
		return
	}
	m.SideEffectFailures.WithLabelValues(kind).Inc()
}

// SetAutoApproval mirrors the auto-approval flag.
func (m *Metrics) SetAutoApproval(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.AutoApprovalFlag.Set(1)
		return
	}
	m.AutoApprovalFlag.Set(0)
}
