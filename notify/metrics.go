package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fleetlink/metric"
)

// forwarderMetrics holds Prometheus metrics for the event forwarder.
type forwarderMetrics struct {
	forwarded *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

// newForwarderMetrics creates and registers forwarder metrics.
// Returns nil when no registry is provided.
func newForwarderMetrics(registry *metric.Registry) *forwarderMetrics {
	if registry == nil {
		return nil
	}

	m := &forwarderMetrics{
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "notify",
			Name:      "forwarded_total",
			Help:      "Events forwarded to transport subjects",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlink",
			Subsystem: "notify",
			Name:      "failed_total",
			Help:      "Events that could not be delivered after retries",
		}, []string{"kind"}),
	}

	registry.RegisterCounterVec("notify", "forwarded", m.forwarded)
	registry.RegisterCounterVec("notify", "failed", m.failed)

	return m
}
