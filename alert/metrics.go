package alert

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fleetlink/metric"
)

// evaluatorMetrics holds Prometheus metrics for the threshold evaluator.
type evaluatorMetrics struct {
	evaluations  prometheus.Counter
	triggered    prometheus.Counter
	suppressed   prometheus.Counter
	ruleFailures prometheus.Counter
}

// newEvaluatorMetrics creates and registers evaluator metrics.
// Returns nil when no registry is provided.
func newEvaluatorMetrics(registry *metric.Registry) *evaluatorMetrics {
	if registry == nil {
		return nil
	}

	m := &evaluatorMetrics{
		evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "alert",
			Name:      "evaluations_total",
			Help:      "Telemetry snapshots evaluated against threshold rules",
		}),
		triggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "alert",
			Name:      "triggered_total",
			Help:      "Alarm triggers raised outside the cooldown window",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "alert",
			Name:      "suppressed_total",
			Help:      "Computed triggers suppressed by the cooldown window",
		}),
		ruleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "alert",
			Name:      "rule_failures_total",
			Help:      "Threshold rules skipped because they could not be evaluated",
		}),
	}

	registry.RegisterCounter("alert", "evaluations", m.evaluations)
	registry.RegisterCounter("alert", "triggered", m.triggered)
	registry.RegisterCounter("alert", "suppressed", m.suppressed)
	registry.RegisterCounter("alert", "rule_failures", m.ruleFailures)

	return m
}
