// Package notify forwards domain events to downstream consumers. The
// coordination cores publish events on the in-process bus and are done;
// delivery to transport subjects and the durable audit stream happens
// here, with its own retry policy, so a downstream outage can never
// block or fail a command, liveness, or alarm decision.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/event"
	"github.com/c360/fleetlink/metric"
	"github.com/c360/fleetlink/pkg/retry"
)

// Subject and stream layout for forwarded events.
const (
	DefaultSubjectPrefix = "fleet.events."
	DefaultAuditStream   = "FLEET_EVENTS"
	DefaultBufferSize    = 256
)

// Publisher is the transport surface the forwarder needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Forwarder subscribes to the event bus and republishes each event as a
// JSON document on fleet.events.<kind>. When an audit stream is
// configured the publish goes through JetStream, which both stores the
// event durably and delivers it to subject subscribers.
type Forwarder struct {
	bus       *event.Bus
	publisher Publisher
	logger    *slog.Logger
	metrics   *forwarderMetrics

	subjectPrefix string
	auditStream   string
	auditEnabled  bool
	bufferSize    int
	retryCfg      retry.Config

	events <-chan event.Event
	cancel func()

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// ForwarderOption configures a Forwarder
type ForwarderOption func(*Forwarder)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.logger = logger }
}

// WithMetrics registers forwarder metrics with the registry
func WithMetrics(registry *metric.Registry) ForwarderOption {
	return func(f *Forwarder) { f.metrics = newForwarderMetrics(registry) }
}

// WithSubjectPrefix overrides the outbound subject prefix
func WithSubjectPrefix(prefix string) ForwarderOption {
	return func(f *Forwarder) {
		if prefix != "" {
			f.subjectPrefix = prefix
		}
	}
}

// WithAuditStream routes event publishes through a durable JetStream
// stream bound to the event subject space.
func WithAuditStream(name string) ForwarderOption {
	return func(f *Forwarder) {
		if name != "" {
			f.auditStream = name
			f.auditEnabled = true
		}
	}
}

// WithBufferSize sets the bus subscription buffer
func WithBufferSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.bufferSize = n
		}
	}
}

// WithRetryConfig overrides the per-delivery retry policy
func WithRetryConfig(cfg retry.Config) ForwarderOption {
	return func(f *Forwarder) { f.retryCfg = cfg }
}

// NewForwarder creates an event forwarder.
func NewForwarder(bus *event.Bus, publisher Publisher, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		bus:           bus,
		publisher:     publisher,
		logger:        slog.Default(),
		subjectPrefix: DefaultSubjectPrefix,
		bufferSize:    DefaultBufferSize,
		retryCfg:      retry.DefaultConfig(),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Initialize provisions the audit stream when one is configured.
func (f *Forwarder) Initialize(ctx context.Context) error {
	if f.bus == nil || f.publisher == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Forwarder", "Initialize", "bus and publisher are required")
	}
	if !f.auditEnabled {
		return nil
	}

	_, err := f.publisher.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      f.auditStream,
		Subjects:  []string{f.subjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		// Without the stream a JetStream publish has nowhere to land,
		// so delivery falls back to plain subject publishes.
		f.auditEnabled = false
		return errors.Wrap(err, "Forwarder", "Initialize", "provision audit stream")
	}
	f.logger.Info("audit stream ready", "stream", f.auditStream)
	return nil
}

// Start subscribes to the bus and begins forwarding.
func (f *Forwarder) Start(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Forwarder", "Start", "start forwarder")
	}

	f.events, f.cancel = f.bus.Subscribe(f.bufferSize)

	f.wg.Add(1)
	go f.forwardLoop(ctx)

	f.logger.Info("event forwarder started",
		"subject_prefix", f.subjectPrefix, "audit", f.auditEnabled)
	return nil
}

// Stop unsubscribes and waits for in-flight deliveries.
func (f *Forwarder) Stop(timeout time.Duration) error {
	if !f.running.CompareAndSwap(true, false) {
		return nil
	}

	f.cancel()
	close(f.shutdown)

	waited := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		close(f.done)
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Forwarder", "Stop", "wait for forward loop")
	}
}

func (f *Forwarder) forwardLoop(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.shutdown:
			// Drain whatever the cancelled subscription already buffered.
			for {
				select {
				case ev, ok := <-f.events:
					if !ok {
						return
					}
					f.deliver(ctx, ev)
				default:
					return
				}
			}
		case ev, ok := <-f.events:
			if !ok {
				return
			}
			f.deliver(ctx, ev)
		}
	}
}

// deliver publishes one event. Failures are logged and counted, never
// propagated; the originating state machine has already reached its
// terminal state.
func (f *Forwarder) deliver(ctx context.Context, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("dropping unencodable event", "kind", ev.Kind(), "error", err)
		if f.metrics != nil {
			f.metrics.failed.WithLabelValues(string(ev.Kind())).Inc()
		}
		return
	}

	subject := f.subjectPrefix + string(ev.Kind())

	// The audit stream is bound to the event subject space, so a single
	// JetStream publish both stores the event and reaches core
	// subscribers. Publishing twice would duplicate every delivery.
	publish := func() error {
		return f.publisher.Publish(ctx, subject, data)
	}
	if f.auditEnabled {
		publish = func() error {
			return f.publisher.PublishToStream(ctx, subject, data)
		}
	}

	if err := retry.Do(ctx, f.retryCfg, publish); err != nil {
		f.logger.Error("event delivery failed", "subject", subject, "error", err)
		if f.metrics != nil {
			f.metrics.failed.WithLabelValues(string(ev.Kind())).Inc()
		}
		return
	}

	if f.metrics != nil {
		f.metrics.forwarded.WithLabelValues(string(ev.Kind())).Inc()
	}
}
