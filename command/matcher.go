package command

import (
	"log/slog"
	"time"

	"github.com/c360/fleetlink/envelope"
	"github.com/c360/fleetlink/event"
	"github.com/c360/fleetlink/metric"
)

// Matcher consumes inbound response-channel envelopes and finalizes the
// matching pending commands. Unmatched, late, and duplicate
// acknowledgments are expected, non-exceptional paths: they are logged (or
// silently ignored) and never mutate state.
type Matcher struct {
	registry *Registry
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *matcherMetrics
	now      func() time.Time
}

// MatcherOption configures a Matcher
type MatcherOption func(*Matcher)

// WithMatcherLogger sets the structured logger
func WithMatcherLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) { m.logger = logger }
}

// WithMatcherMetrics registers matcher metrics with the registry
func WithMatcherMetrics(registry *metric.Registry) MatcherOption {
	return func(m *Matcher) { m.metrics = newMatcherMetrics(registry) }
}

// WithMatcherClock injects a clock for deterministic tests
func WithMatcherClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

// NewMatcher creates an acknowledgment matcher.
func NewMatcher(registry *Registry, bus *event.Bus, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		registry: registry,
		bus:      bus,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleMessage is invoked for every response-channel message. Undecodable
// documents are dropped with a log line; everything else flows to the
// acknowledgment path.
func (m *Matcher) HandleMessage(data []byte) {
	ack, err := envelope.ParseAck(data)
	if err != nil {
		m.logger.Warn("dropping undecodable response message", "error", err)
		return
	}
	m.HandleAck(ack, data)
}

// HandleAck correlates an acknowledgment with the registry and, when it
// wins the race against the timeout timer, finalizes the command and emits
// a CommandAcknowledged event carrying the device's response.
func (m *Matcher) HandleAck(ack *envelope.Ack, raw []byte) {
	if !ack.IsAck() {
		// Device-initiated message, not an acknowledgment
		m.logger.Debug("response message without command id ignored", "device_id", ack.DeviceID)
		return
	}

	status := StatusFailed
	reason := ""
	if ack.Succeeded() {
		status = StatusSuccess
	} else {
		reason = ack.FailureReason()
	}

	cmd, outcome := m.registry.Finalize(ack.CommandID, status, reason, m.now())
	switch outcome {
	case FinalizeWon:
		if status == StatusFailed {
			m.logger.Warn("command acknowledged as failed",
				"command_id", cmd.ID, "device_id", cmd.DeviceID, "reason", reason)
		} else {
			m.logger.Debug("command acknowledged",
				"command_id", cmd.ID, "device_id", cmd.DeviceID, "response_time", cmd.ResponseTime)
		}
		if m.metrics != nil {
			m.metrics.matched.WithLabelValues(string(status)).Inc()
			m.metrics.responseTime.Observe(cmd.ResponseTime.Seconds())
		}
		m.bus.Publish(event.CommandAcknowledged{
			CommandID:      cmd.ID,
			DeviceID:       cmd.DeviceID,
			Status:         string(status),
			ResponseTimeMs: cmd.ResponseTime.Milliseconds(),
			DeviceResponse: raw,
			Reason:         reason,
			AcknowledgedAt: cmd.AcknowledgedAt,
		})

	case FinalizeAlreadyTerminal:
		// Second acknowledgment lost the race; ignore silently
		if m.metrics != nil {
			m.metrics.duplicates.Inc()
		}

	case FinalizeNotFound:
		if m.registry.InHistory(ack.CommandID) {
			// Late duplicate for a completed command
			if m.metrics != nil {
				m.metrics.duplicates.Inc()
			}
			return
		}
		// Timed out long ago, or issued by a previous process instance
		m.logger.Info("unmatched acknowledgment ignored",
			"command_id", ack.CommandID, "device_id", ack.DeviceID)
		if m.metrics != nil {
			m.metrics.unmatched.Inc()
		}
	}
}
