package command

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fleetlink/metric"
)

// dispatcherMetrics holds Prometheus metrics for the command dispatcher
type dispatcherMetrics struct {
	dispatched      prometheus.Counter
	publishFailures prometheus.Counter
	timeouts        prometheus.Counter
	activePending   prometheus.Gauge
}

// newDispatcherMetrics creates and registers dispatcher metrics.
// Returns nil when no registry is provided (nil input = nil feature).
func newDispatcherMetrics(registry *metric.Registry) *dispatcherMetrics {
	if registry == nil {
		return nil
	}

	m := &dispatcherMetrics{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "dispatched_total",
			Help:      "Total commands dispatched to devices",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "publish_failures_total",
			Help:      "Commands finalized FAILED because the publish call failed",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "timeouts_total",
			Help:      "Commands finalized TIMEOUT with no acknowledgment",
		}),
		activePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "active_pending",
			Help:      "Commands currently awaiting acknowledgment",
		}),
	}

	registry.RegisterCounter("dispatcher", "dispatched", m.dispatched)
	registry.RegisterCounter("dispatcher", "publish_failures", m.publishFailures)
	registry.RegisterCounter("dispatcher", "timeouts", m.timeouts)
	registry.RegisterGauge("dispatcher", "active_pending", m.activePending)

	return m
}

// matcherMetrics holds Prometheus metrics for the acknowledgment matcher
type matcherMetrics struct {
	matched      *prometheus.CounterVec
	unmatched    prometheus.Counter
	duplicates   prometheus.Counter
	responseTime prometheus.Histogram
}

// newMatcherMetrics creates and registers matcher metrics.
func newMatcherMetrics(registry *metric.Registry) *matcherMetrics {
	if registry == nil {
		return nil
	}

	m := &matcherMetrics{
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "acks_matched_total",
			Help:      "Acknowledgments matched to a pending command",
		}, []string{"status"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "acks_unmatched_total",
			Help:      "Acknowledgments with no known command id",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "acks_duplicate_total",
			Help:      "Acknowledgments for already-finalized commands",
		}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetlink",
			Subsystem: "command",
			Name:      "response_time_seconds",
			Help:      "Device response time from dispatch to acknowledgment",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	registry.RegisterCounterVec("matcher", "acks_matched", m.matched)
	registry.RegisterCounter("matcher", "acks_unmatched", m.unmatched)
	registry.RegisterCounter("matcher", "acks_duplicate", m.duplicates)
	registry.RegisterHistogram("matcher", "response_time", m.responseTime)

	return m
}
