package liveness

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fleetlink/metric"
)

// monitorMetrics holds Prometheus metrics for the liveness monitor
type monitorMetrics struct {
	devicesPerState *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	sweeps          prometheus.Counter
}

// newMonitorMetrics creates and registers liveness metrics.
// Returns nil when no registry is provided.
func newMonitorMetrics(registry *metric.Registry) *monitorMetrics {
	if registry == nil {
		return nil
	}

	m := &monitorMetrics{
		devicesPerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetlink",
			Subsystem: "liveness",
			Name:      "devices",
			Help:      "Known devices by current liveness state",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "liveness",
			Name:      "transitions_total",
			Help:      "Device state transitions",
		}, []string{"from", "to"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "liveness",
			Name:      "sweeps_total",
			Help:      "Periodic sweep executions",
		}),
	}

	registry.RegisterGaugeVec("liveness", "devices", m.devicesPerState)
	registry.RegisterCounterVec("liveness", "transitions", m.transitions)
	registry.RegisterCounter("liveness", "sweeps", m.sweeps)

	return m
}
