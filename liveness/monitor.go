// Package liveness infers device health purely from the arrival times of
// inbound messages. Any message forces a device online immediately; a
// periodic sweep decays devices to warning and offline as silence grows.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/event"
	"github.com/c360/fleetlink/metric"
)

// State is a device's inferred health.
type State string

// Liveness states
const (
	StateOnline  State = "online"
	StateWarning State = "warning"
	StateOffline State = "offline"
)

// Default thresholds. Deployments with faster-reporting device classes
// configure much tighter values.
const (
	DefaultWarningThreshold = 3 * time.Minute
	DefaultOfflineThreshold = 5 * time.Minute
	DefaultSweepInterval    = 2 * time.Minute
)

// DeviceRecord is the current liveness knowledge for one device. Records
// are created lazily and never deleted; they represent current knowledge,
// not history.
type DeviceRecord struct {
	DeviceID   string    `json:"deviceId"`
	LastSeenAt time.Time `json:"lastSeenAt"` // zero = never seen
	State      State     `json:"state"`
}

// Config holds the liveness thresholds and sweep cadence.
type Config struct {
	WarningThreshold time.Duration `json:"warning_threshold"`
	OfflineThreshold time.Duration `json:"offline_threshold"`
	SweepInterval    time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns the standard deployment thresholds.
func DefaultConfig() Config {
	return Config{
		WarningThreshold: DefaultWarningThreshold,
		OfflineThreshold: DefaultOfflineThreshold,
		SweepInterval:    DefaultSweepInterval,
	}
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	if c.WarningThreshold <= 0 || c.OfflineThreshold <= 0 || c.SweepInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "thresholds must be positive")
	}
	if c.WarningThreshold >= c.OfflineThreshold {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"warning threshold must be below offline threshold")
	}
	return nil
}

// deviceEntry serializes updates to one device's record. The per-device
// lock is what keeps a sweep from overwriting a fresher online state
// written by the arrival path.
type deviceEntry struct {
	mu  sync.Mutex
	rec DeviceRecord
}

// Monitor maintains per-device last-seen timestamps and derives health
// states from elapsed silence.
type Monitor struct {
	cfg    Config
	bus    *event.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*deviceEntry

	metrics *monitorMetrics
	now     func() time.Time

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithMetrics registers liveness metrics with the registry
func WithMetrics(registry *metric.Registry) MonitorOption {
	return func(m *Monitor) { m.metrics = newMonitorMetrics(registry) }
}

// WithClock injects a clock for deterministic tests
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a liveness monitor.
func NewMonitor(cfg Config, bus *event.Bus, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		bus:      bus,
		logger:   slog.Default(),
		devices:  make(map[string]*deviceEntry),
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize validates configuration.
func (m *Monitor) Initialize() error {
	return m.cfg.Validate()
}

// Start launches the periodic sweep.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Monitor", "Start", "start liveness monitor")
	}

	go m.sweepLoop(ctx)
	m.logger.Info("liveness monitor started",
		"warning_threshold", m.cfg.WarningThreshold,
		"offline_threshold", m.cfg.OfflineThreshold,
		"sweep_interval", m.cfg.SweepInterval)
	return nil
}

// Stop halts the sweep loop.
func (m *Monitor) Stop(timeout time.Duration) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	close(m.shutdown)
	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Monitor", "Stop", "wait for sweep loop")
	}
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Touch records an inbound message from deviceID. The device is forced
// online immediately, independent of the periodic sweep.
func (m *Monitor) Touch(deviceID string) {
	if deviceID == "" {
		return
	}

	e := m.entry(deviceID)
	now := m.now()

	e.mu.Lock()
	e.rec.LastSeenAt = now
	old := e.rec.State
	changed := old != StateOnline
	if changed {
		e.rec.State = StateOnline
	}
	rec := e.rec
	e.mu.Unlock()

	if changed {
		m.announce(old, rec)
	}
}

// Sweep recomputes every known device's state from elapsed silence and
// emits deviceStatusChanged only for devices whose state actually moved.
func (m *Monitor) Sweep() {
	now := m.now()

	m.mu.RLock()
	entries := make([]*deviceEntry, 0, len(m.devices))
	for _, e := range m.devices {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		computed := m.computeState(now, e.rec.LastSeenAt)
		old := e.rec.State
		changed := computed != old
		if changed {
			e.rec.State = computed
		}
		rec := e.rec
		e.mu.Unlock()

		if changed {
			m.announce(old, rec)
		}
	}

	if m.metrics != nil {
		m.metrics.sweeps.Inc()
		m.observeStates()
	}
}

// computeState derives a state from elapsed silence. A device never seen
// is offline.
func (m *Monitor) computeState(now, lastSeen time.Time) State {
	if lastSeen.IsZero() {
		return StateOffline
	}
	elapsed := now.Sub(lastSeen)
	switch {
	case elapsed > m.cfg.OfflineThreshold:
		return StateOffline
	case elapsed > m.cfg.WarningThreshold:
		return StateWarning
	default:
		return StateOnline
	}
}

// entry returns the record for deviceID, creating it lazily. A device
// first observed by a sweep (never by a message) starts offline.
func (m *Monitor) entry(deviceID string) *deviceEntry {
	m.mu.RLock()
	e := m.devices[deviceID]
	m.mu.RUnlock()
	if e != nil {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.devices[deviceID]; e != nil {
		return e
	}
	e = &deviceEntry{rec: DeviceRecord{DeviceID: deviceID, State: StateOffline}}
	m.devices[deviceID] = e
	return e
}

// Track registers a device without marking it seen, so the sweep reports
// on provisioned-but-silent devices.
func (m *Monitor) Track(deviceID string) {
	if deviceID == "" {
		return
	}
	m.entry(deviceID)
}

// Get returns the current record for deviceID.
func (m *Monitor) Get(deviceID string) (DeviceRecord, bool) {
	m.mu.RLock()
	e := m.devices[deviceID]
	m.mu.RUnlock()
	if e == nil {
		return DeviceRecord{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Snapshot returns the current record of every known device.
func (m *Monitor) Snapshot() []DeviceRecord {
	m.mu.RLock()
	entries := make([]*deviceEntry, 0, len(m.devices))
	for _, e := range m.devices {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]DeviceRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	return out
}

func (m *Monitor) announce(old State, rec DeviceRecord) {
	m.logger.Info("device status changed",
		"device_id", rec.DeviceID, "old_state", old, "new_state", rec.State)
	if m.metrics != nil {
		m.metrics.transitions.WithLabelValues(string(old), string(rec.State)).Inc()
	}
	m.bus.Publish(event.DeviceStatusChanged{
		DeviceID:   rec.DeviceID,
		OldState:   string(old),
		NewState:   string(rec.State),
		LastSeenAt: rec.LastSeenAt,
	})
}

func (m *Monitor) observeStates() {
	counts := map[State]int{StateOnline: 0, StateWarning: 0, StateOffline: 0}
	for _, rec := range m.Snapshot() {
		counts[rec.State]++
	}
	for state, n := range counts {
		m.metrics.devicesPerState.WithLabelValues(string(state)).Set(float64(n))
	}
}
