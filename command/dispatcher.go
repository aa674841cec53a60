package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/fleetlink/envelope"
	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/event"
	"github.com/c360/fleetlink/metric"
)

// Dispatcher defaults
const (
	DefaultSubjectPrefix = "fleet.cmd."
	DefaultTimeout       = 30 * time.Second
)

// Publisher publishes raw envelopes to a transport subject. Satisfied by
// natsclient.Client; tests inject fakes.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Dispatcher builds and publishes command envelopes, registers them in the
// registry, and arms per-command timeout timers. Dispatch returns as soon
// as the publish completes; the outcome is delivered via events.
type Dispatcher struct {
	registry  *Registry
	publisher Publisher
	bus       *event.Bus
	logger    *slog.Logger
	metrics   *dispatcherMetrics

	subjectPrefix  string
	defaultTimeout time.Duration

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the structured logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatcherMetrics registers dispatcher metrics with the registry
func WithDispatcherMetrics(registry *metric.Registry) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = newDispatcherMetrics(registry) }
}

// WithSubjectPrefix overrides the command subject prefix
func WithSubjectPrefix(prefix string) DispatcherOption {
	return func(d *Dispatcher) { d.subjectPrefix = prefix }
}

// WithDefaultTimeout overrides the timeout used when Dispatch receives a
// non-positive one
func WithDefaultTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.defaultTimeout = timeout }
}

// WithDispatcherClock injects a clock for deterministic tests
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a command dispatcher.
func NewDispatcher(registry *Registry, publisher Publisher, bus *event.Bus, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		publisher:      publisher,
		bus:            bus,
		logger:         slog.Default(),
		subjectPrefix:  DefaultSubjectPrefix,
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
		afterFunc:      time.AfterFunc,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch publishes a command to deviceID's command subject and returns
// its correlation id. The command is registered PENDING before the publish
// so an immediate acknowledgment cannot race ahead of bookkeeping. A
// transport-level publish failure finalizes the command FAILED with no
// timer armed and is returned synchronously; after a successful publish
// the only outcomes are the asynchronous acknowledgment and timeout events.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, commandType string, params map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	id := uuid.NewString()
	env := &envelope.Command{
		DeviceID:    deviceID,
		MessageType: commandType,
		Sender:      envelope.SenderServer,
		CommandID:   id,
		Parameters:  params,
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	sentAt := d.now()
	cmd := Command{
		ID:         id,
		DeviceID:   deviceID,
		Type:       commandType,
		Parameters: params,
		Status:     StatusPending,
		SentAt:     sentAt,
		Timeout:    timeout,
	}
	if err := d.registry.Insert(cmd); err != nil {
		return "", err
	}

	subject := d.subjectPrefix + deviceID
	if err := d.publisher.Publish(ctx, subject, data); err != nil {
		d.registry.Finalize(id, StatusFailed, fmt.Sprintf("publish failed: %v", err), d.now())
		d.logger.Error("command publish failed",
			"command_id", id, "device_id", deviceID, "subject", subject, "error", err)
		if d.metrics != nil {
			d.metrics.publishFailures.Inc()
		}
		return id, errors.WrapTransient(err, "Dispatcher", "Dispatch", "publish command envelope")
	}

	timer := d.afterFunc(timeout, func() { d.onTimeout(id) })
	d.registry.ArmTimer(id, timer)

	if d.metrics != nil {
		d.metrics.dispatched.Inc()
		d.metrics.activePending.Set(float64(d.registry.ActiveCount()))
	}
	d.logger.Debug("command dispatched",
		"command_id", id, "device_id", deviceID, "command_type", commandType, "timeout", timeout)

	d.bus.Publish(event.CommandSent{
		CommandID:   id,
		DeviceID:    deviceID,
		CommandType: commandType,
		SentAt:      sentAt,
	})

	return id, nil
}

// onTimeout runs when a command's deadline expires. If the acknowledgment
// path finalized the command first this is a benign no-op.
func (d *Dispatcher) onTimeout(id string) {
	cmd, outcome := d.registry.Finalize(id, StatusTimeout, "no acknowledgment before deadline", d.now())
	if outcome != FinalizeWon {
		return
	}

	d.logger.Warn("command timed out",
		"command_id", id, "device_id", cmd.DeviceID, "command_type", cmd.Type, "timeout", cmd.Timeout)
	if d.metrics != nil {
		d.metrics.timeouts.Inc()
		d.metrics.activePending.Set(float64(d.registry.ActiveCount()))
	}

	d.bus.Publish(event.CommandTimeout{
		CommandID: id,
		DeviceID:  cmd.DeviceID,
		Message:   fmt.Sprintf("command %s timed out after %s", cmd.Type, cmd.Timeout),
		At:        cmd.AcknowledgedAt,
	})
}
