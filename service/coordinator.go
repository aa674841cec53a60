// Package service wires the coordination cores together. The Coordinator
// owns the component lifecycle: it connects the transport, routes inbound
// response and telemetry traffic to the matcher, liveness monitor, and
// threshold evaluator through a worker pool, and shuts everything down in
// dependency order.
package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetlink/alert"
	"github.com/c360/fleetlink/command"
	"github.com/c360/fleetlink/config"
	"github.com/c360/fleetlink/envelope"
	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/event"
	"github.com/c360/fleetlink/health"
	"github.com/c360/fleetlink/liveness"
	"github.com/c360/fleetlink/metric"
	"github.com/c360/fleetlink/notify"
	"github.com/c360/fleetlink/pkg/retry"
	"github.com/c360/fleetlink/pkg/worker"
)

// Transport is the connection surface the Coordinator needs. Satisfied
// by natsclient.Client.
type Transport interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	IsHealthy() bool
	OnHealthChange(fn func(bool))
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	ConsumeStream(ctx context.Context, streamName, subject string, handler func([]byte)) error
}

// inboundMessage is one transport delivery queued for processing.
type inboundMessage struct {
	subject string
	data    []byte
}

// Coordinator composes the command protocol, liveness monitor, and
// threshold evaluator over one transport connection.
type Coordinator struct {
	cfg       *config.Config
	transport Transport
	logger    *slog.Logger
	registry  *metric.Registry
	metrics   *metric.Metrics

	bus       *event.Bus
	commands  *command.Registry
	dispatch  *command.Dispatcher
	matcher   *command.Matcher
	liveness  *liveness.Monitor
	evaluator *alert.Evaluator
	forwarder *notify.Forwarder
	pool      *worker.Pool[inboundMessage]
	healthMon *health.Monitor

	running     atomic.Bool
	initialized atomic.Bool
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetricRegistry wires all components into one metric registry
func WithMetricRegistry(registry *metric.Registry) CoordinatorOption {
	return func(c *Coordinator) { c.registry = registry }
}

// NewCoordinator creates a coordinator from configuration and a
// transport. The transport is injected so tests can run without a
// broker.
func NewCoordinator(cfg *config.Config, transport Transport, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default(),
		healthMon: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize validates configuration and builds every component.
func (c *Coordinator) Initialize() error {
	if c.cfg == nil || c.transport == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "Initialize", "config and transport are required")
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if !c.initialized.CompareAndSwap(false, true) {
		return nil
	}

	if c.registry != nil {
		c.metrics = c.registry.Core
	}

	c.bus = event.NewBus()
	c.commands = command.NewRegistry(c.cfg.Command.HistorySize)

	c.dispatch = command.NewDispatcher(c.commands, c.transport, c.bus,
		command.WithDispatcherLogger(c.logger),
		command.WithDispatcherMetrics(c.registry),
		command.WithSubjectPrefix(c.cfg.Subjects.CommandPrefix),
		command.WithDefaultTimeout(c.cfg.Command.DefaultTimeout.Std()),
	)
	c.matcher = command.NewMatcher(c.commands, c.bus,
		command.WithMatcherLogger(c.logger),
		command.WithMatcherMetrics(c.registry),
	)

	c.liveness = liveness.NewMonitor(liveness.Config{
		WarningThreshold: c.cfg.Liveness.WarningThreshold.Std(),
		OfflineThreshold: c.cfg.Liveness.OfflineThreshold.Std(),
		SweepInterval:    c.cfg.Liveness.SweepInterval.Std(),
	}, c.bus,
		liveness.WithLogger(c.logger),
		liveness.WithMetrics(c.registry),
	)
	if err := c.liveness.Initialize(); err != nil {
		return err
	}

	c.evaluator = alert.NewEvaluator(c.bus,
		alert.WithLogger(c.logger),
		alert.WithMetrics(c.registry),
		alert.WithCooldown(c.cfg.Alert.Cooldown.Std()),
	)

	forwarderOpts := []notify.ForwarderOption{
		notify.WithLogger(c.logger),
		notify.WithMetrics(c.registry),
		notify.WithSubjectPrefix(c.cfg.Subjects.EventPrefix),
	}
	if c.cfg.Subjects.AuditStream != "" {
		forwarderOpts = append(forwarderOpts, notify.WithAuditStream(c.cfg.Subjects.AuditStream))
	}
	c.forwarder = notify.NewForwarder(c.bus, c.transport, forwarderOpts...)

	c.pool = worker.NewPool(c.cfg.Workers.Count, c.cfg.Workers.QueueSize, c.processInbound)

	c.healthMon.UpdateHealthy("coordinator", "initialized")
	return nil
}

// Start connects the transport and brings the components up. The
// initial connection is retried persistently; a broker that is down at
// boot is a transient condition, not a startup failure.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.initialized.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Coordinator", "Start", "initialize first")
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Coordinator", "Start", "start coordinator")
	}

	c.transport.OnHealthChange(func(healthy bool) {
		if healthy {
			c.healthMon.UpdateHealthy("transport", "connected")
		} else {
			c.healthMon.UpdateUnhealthy("transport", "connection lost")
		}
		if c.metrics != nil {
			c.metrics.RecordNATSStatus(healthy)
		}
	})

	err := retry.Do(ctx, retry.Persistent(), func() error {
		return c.transport.Connect(ctx)
	})
	if err != nil {
		c.running.Store(false)
		return errors.Wrap(err, "Coordinator", "Start", "connect transport")
	}
	c.healthMon.UpdateHealthy("transport", "connected")

	if err := c.forwarder.Initialize(ctx); err != nil {
		// The audit stream is best effort; core coordination works
		// without it.
		c.logger.Warn("audit stream unavailable", "error", err)
	}

	if err := c.pool.Start(ctx); err != nil {
		c.running.Store(false)
		return err
	}
	if err := c.liveness.Start(ctx); err != nil {
		c.running.Store(false)
		return err
	}
	if err := c.forwarder.Start(ctx); err != nil {
		c.running.Store(false)
		return err
	}

	if err := c.subscribe(ctx); err != nil {
		c.running.Store(false)
		return err
	}

	c.healthMon.UpdateHealthy("coordinator", "running")
	c.logger.Info("coordinator started",
		"platform", c.cfg.Platform.ID,
		"response_subject", c.cfg.Subjects.Response,
		"telemetry_subject", c.cfg.Subjects.Telemetry)
	return nil
}

func (c *Coordinator) subscribe(ctx context.Context) error {
	subjects := []string{c.cfg.Subjects.Response, c.cfg.Subjects.Telemetry}
	for _, subject := range subjects {
		subj := subject
		err := c.transport.Subscribe(ctx, subj, func(_ context.Context, data []byte) {
			c.enqueue(subj, data)
		})
		if err != nil {
			return errors.Wrap(err, "Coordinator", "subscribe", "subscribe "+subj)
		}
	}
	return nil
}

// enqueue hands a delivery to the worker pool. A full queue drops the
// message; liveness and threshold state recover from the next delivery,
// and an ack that never reaches the matcher is indistinguishable from a
// lost ack, which the timeout path already covers.
func (c *Coordinator) enqueue(subject string, data []byte) {
	if c.metrics != nil {
		c.metrics.RecordMessageReceived("coordinator", subject)
	}
	if err := c.pool.Submit(inboundMessage{subject: subject, data: data}); err != nil {
		c.logger.Warn("inbound queue full, dropping message", "subject", subject)
		if c.metrics != nil {
			c.metrics.RecordError("coordinator", "queue_full")
		}
	}
}

// processInbound runs on a pool worker for every queued delivery.
func (c *Coordinator) processInbound(_ context.Context, msg inboundMessage) error {
	start := time.Now()

	switch msg.subject {
	case c.cfg.Subjects.Response:
		c.handleResponse(msg.data)
	case c.cfg.Subjects.Telemetry:
		c.handleTelemetry(msg.data)
	default:
		c.logger.Debug("message on unexpected subject ignored", "subject", msg.subject)
	}

	if c.metrics != nil {
		c.metrics.RecordMessageProcessed("coordinator", msg.subject, "ok")
		c.metrics.RecordProcessingDuration("coordinator", "process_inbound", time.Since(start))
	}
	return nil
}

// handleResponse feeds an acknowledgment to the matcher. Any inbound
// response also proves the device is alive.
func (c *Coordinator) handleResponse(data []byte) {
	ack, err := envelope.ParseAck(data)
	if err != nil {
		c.logger.Warn("undecodable response message ignored", "error", err)
		if c.metrics != nil {
			c.metrics.RecordError("matcher", "parse")
		}
		return
	}

	c.liveness.Touch(ack.DeviceID)
	c.matcher.HandleAck(ack, data)
}

// handleTelemetry updates liveness and evaluates threshold rules for
// one reading. The rule owner for cooldown purposes is the reporting
// device.
func (c *Coordinator) handleTelemetry(data []byte) {
	tm, err := envelope.ParseTelemetry(data)
	if err != nil {
		c.logger.Warn("undecodable telemetry message ignored", "error", err)
		if c.metrics != nil {
			c.metrics.RecordError("evaluator", "parse")
		}
		return
	}

	c.liveness.Touch(tm.DeviceID)
	c.evaluator.Evaluate(tm.DeviceID, tm)
}

// Stop shuts components down in dependency order: transport first so no
// new work arrives, then the pool drains, then the cores.
func (c *Coordinator) Stop(timeout time.Duration) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		if r := time.Until(deadline); r > 0 {
			return r
		}
		return time.Millisecond
	}

	var errs []error

	closeCtx, cancel := context.WithTimeout(context.Background(), remaining())
	if err := c.transport.Close(closeCtx); err != nil {
		errs = append(errs, err)
	}
	cancel()

	if err := c.pool.Stop(remaining()); err != nil {
		errs = append(errs, err)
	}
	if err := c.forwarder.Stop(remaining()); err != nil {
		errs = append(errs, err)
	}
	if err := c.liveness.Stop(remaining()); err != nil {
		errs = append(errs, err)
	}
	c.bus.Close()

	c.healthMon.UpdateDegraded("coordinator", "stopped")
	c.logger.Info("coordinator stopped")

	if len(errs) > 0 {
		return errors.WrapTransient(errs[0], "Coordinator", "Stop", "shutdown incomplete")
	}
	return nil
}

// SendCommand dispatches a command to a device. A zero timeout uses the
// configured default.
func (c *Coordinator) SendCommand(
	ctx context.Context,
	deviceID, commandType string,
	params map[string]any,
	timeout time.Duration,
) (string, error) {
	if !c.running.Load() {
		return "", errors.WrapInvalid(errors.ErrNotStarted, "Coordinator", "SendCommand", "coordinator not running")
	}
	return c.dispatch.Dispatch(ctx, deviceID, commandType, params, timeout)
}

// CommandStatus returns the current record of a command, searching the
// active table first and falling back to history.
func (c *Coordinator) CommandStatus(id string) (command.Command, bool) {
	return c.commands.Get(id)
}

// ActiveCommands returns every command still awaiting acknowledgment.
func (c *Coordinator) ActiveCommands() []command.Command {
	return c.commands.Active()
}

// CommandHistory returns completed commands, oldest first.
func (c *Coordinator) CommandHistory() []command.Command {
	return c.commands.History()
}

// Devices returns the liveness record of every known device.
func (c *Coordinator) Devices() []liveness.DeviceRecord {
	return c.liveness.Snapshot()
}

// TrackDevice registers a provisioned device so the sweep reports on it
// before its first message.
func (c *Coordinator) TrackDevice(deviceID string) {
	c.liveness.Track(deviceID)
}

// SetRules replaces the threshold rules for a device.
func (c *Coordinator) SetRules(deviceID string, rules []alert.Rule) {
	c.evaluator.SetRules(deviceID, rules)
}

// TriggerHistory returns recent alarm triggers, oldest first.
func (c *Coordinator) TriggerHistory() []alert.TriggerRecord {
	return c.evaluator.History()
}

// Events returns a subscription to the domain event stream for local
// collaborators such as a UI gateway.
func (c *Coordinator) Events(buffer int, kinds ...event.Kind) (<-chan event.Event, func()) {
	return c.bus.Subscribe(buffer, kinds...)
}

// ReplayEvents attaches handler to the durable audit stream, replaying
// every stored event document as raw JSON before streaming new ones. A
// collaborator that restarts calls this to rebuild its view.
func (c *Coordinator) ReplayEvents(ctx context.Context, handler func([]byte)) error {
	if !c.running.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Coordinator", "ReplayEvents", "coordinator not running")
	}
	if c.cfg.Subjects.AuditStream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Coordinator", "ReplayEvents", "no audit stream configured")
	}
	subject := c.cfg.Subjects.EventPrefix + ">"
	return c.transport.ConsumeStream(ctx, c.cfg.Subjects.AuditStream, subject, handler)
}

// Health returns the aggregated component health.
func (c *Coordinator) Health() health.Status {
	return c.healthMon.AggregateHealth(c.cfg.Platform.ID)
}

// HealthMonitor exposes the component health monitor so the metrics
// server can serve /healthz from it.
func (c *Coordinator) HealthMonitor() *health.Monitor {
	return c.healthMon
}
