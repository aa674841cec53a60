package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.Core)
	require.NotNil(t, registry.PrometheusRegistry())
}

func TestRegistry_RegisterCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test",
	})

	require.NoError(t, registry.RegisterCounter("dispatcher", "test_counter", counter))

	// Duplicate key is rejected
	err := registry.RegisterCounter("dispatcher", "test_counter", counter)
	assert.Error(t, err)
}

func TestRegistry_RegisterGaugeAndHistogram(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	require.NoError(t, registry.RegisterGauge("liveness", "test_gauge", gauge))

	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist", Help: "test"})
	require.NoError(t, registry.RegisterHistogram("liveness", "test_hist", hist))
}

func TestRegistry_PrometheusConflict(t *testing.T) {
	registry := NewRegistry()

	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "same_name_total", Help: "test"})
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "same_name_total", Help: "test"})

	require.NoError(t, registry.RegisterCounter("a", "m1", c1))
	// Same prometheus name under a different registry key still conflicts
	assert.Error(t, registry.RegisterCounter("b", "m2", c2))
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unreg_total", Help: "test"})
	require.NoError(t, registry.RegisterCounter("svc", "unreg", counter))

	assert.True(t, registry.Unregister("svc", "unreg"))
	assert.False(t, registry.Unregister("svc", "unreg"))

	// Can re-register after unregister
	assert.NoError(t, registry.RegisterCounter("svc", "unreg", counter))
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewRegistry()
	core := registry.Core

	// Smoke-test the record helpers against the registered collectors
	core.RecordServiceStatus("dispatcher", 2)
	core.RecordMessageReceived("matcher", "ack")
	core.RecordMessageProcessed("matcher", "ack", "success")
	core.RecordMessagePublished("dispatcher", "fleet.cmd.D1")
	core.RecordError("evaluator", "rule")
	core.RecordHealthStatus("liveness", true)
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(false)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
