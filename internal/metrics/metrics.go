// Package metrics exposes Prometheus collectors for approval gating activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentgate"

// Metrics holds every collector the service reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	proposals          *prometheus.CounterVec
	finalized          *prometheus.CounterVec
	approvalWait       *prometheus.HistogramVec
	toolDuration       *prometheus.HistogramVec
	pendingApprovals   prometheus.Gauge
	activeSessions     prometheus.Gauge
	eventsPublished    *prometheus.CounterVec
	subscribersDropped prometheus.Counter
}

// MustNew constructs and registers the collectors. Registration errors panic
// so configuration bugs surface at startup. Tests should pass a fresh
// prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "proposals_total",
			Help:      "Tool-call proposals by tool and strategy decision.",
		}, []string{"tool", "decision"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "proposals_finalized_total",
			Help:      "Proposals reaching a terminal state, by tool, state and reason.",
		}, []string{"tool", "state", "reason"}),
		approvalWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "approval_wait_seconds",
			Help:      "Time a proposal spent pending human approval.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency by tool and final state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "state"}),
		pendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "pending_approvals",
			Help:      "Proposals currently waiting on a human.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently registered.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Session events published, by kind.",
		}, []string{"kind"}),
		subscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind.",
		}),
	}

	reg.MustRegister(
		m.proposals,
		m.finalized,
		m.approvalWait,
		m.toolDuration,
		m.pendingApprovals,
		m.activeSessions,
		m.eventsPublished,
		m.subscribersDropped,
	)
	return m
}

// ObserveProposal counts a new proposal and the strategy's decision.
func (m *Metrics) ObserveProposal(tool, decision string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(tool, decision).Inc()
}

// ObserveFinalized counts a terminal proposal.
func (m *Metrics) ObserveFinalized(tool, state, reason string) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(tool, state, reason).Inc()
}

// ObserveApprovalWait records how long a human-gated proposal was pending.
func (m *Metrics) ObserveApprovalWait(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.approvalWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveToolDuration records one tool execution.
func (m *Metrics) ObserveToolDuration(tool, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool, state).Observe(d.Seconds())
}

// PendingInc marks a proposal as awaiting a human.
func (m *Metrics) PendingInc() {
	if m == nil {
		return
	}
	m.pendingApprovals.Inc()
}

// PendingDec marks a pending proposal as resolved.
func (m *Metrics) PendingDec() {
	if m == nil {
		return
	}
	m.pendingApprovals.Dec()
}

// SetActiveSessions reports the session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// EventPublished counts one published event.
func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

// SubscriberDropped counts one dropped subscriber.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}
