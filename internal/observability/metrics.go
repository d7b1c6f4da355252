package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	workflowsTerminal *prometheus.CounterVec
	verdicts          *prometheus.CounterVec
	drafts            *prometheus.CounterVec
	capabilityCalls   *prometheus.CounterVec
	plannerLatency    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workflowsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal status.",
		}, []string{"status"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Name:      "progress_verdicts_total",
			Help:      "Non-CONTINUE verdicts of the loop and progress analyzer.",
		}, []string{"verdict"}),
		drafts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Name:      "draft_transitions_total",
			Help:      "Draft status transitions.",
		}, []string{"status"}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concierge",
			Name:      "capability_calls_total",
			Help:      "Capability executor invocations.",
		}, []string{"operation", "kind", "success"}),
		plannerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concierge",
			Name:      "planner_call_seconds",
			Help:      "Latency of planner oracle calls.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
	reg.MustRegister(m.workflowsTerminal, m.verdicts, m.drafts, m.capabilityCalls, m.plannerLatency)
	return m
}

func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflowsTerminal.WithLabelValues(status).Inc()
}

func (m *Metrics) Verdict(verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(verdict).Inc()
}

func (m *Metrics) Draft(status string) {
	if m == nil {
		return
	}
	m.drafts.WithLabelValues(status).Inc()
}

func (m *Metrics) CapabilityCall(operation, kind string, success bool) {
	if m == nil {
		return
	}
	ok := "false"
	if success {
		ok = "true"
	}
	m.capabilityCalls.WithLabelValues(operation, kind, ok).Inc()
}

func (m *Metrics) PlannerCall(d time.Duration) {
	if m == nil {
		return
	}
	m.plannerLatency.Observe(d.Seconds())
}
