// Package natsclient manages the NATS connection used for all fleet
// traffic. It wraps the raw connection with a circuit breaker, reconnect
// handling, and connection health reporting, so the rest of the system
// sees publish and subscribe failures as classified errors instead of
// raw transport faults.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fleetlink/errors"
	"github.com/c360/fleetlink/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker. Repeated
// connection failures open the circuit, which rejects traffic fast and
// schedules a retry after an exponentially growing backoff.
type Client struct {
	url    string
	logger *slog.Logger

	status   atomic.Value // ConnectionStatus
	failures atomic.Int32

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumersMu sync.Mutex
	consumers   map[string]jetstream.ConsumeContext

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	metrics *metric.Metrics

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a NATS client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		clientName:       "fleetlink",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is usable.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total failure count since the last reset.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit backoff duration.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// GetStatus returns a snapshot of connection state for status queries.
func (c *Client) GetStatus() *Status {
	st := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			st.RTT = rtt
		}
	}
	return st
}

// OnHealthChange sets a callback invoked when the connection health
// flips. The callback runs on a transport goroutine and must not block.
func (c *Client) OnHealthChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthChange = fn
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(status == StatusConnected)
		c.metrics.RecordCircuitBreakerState(status == StatusCircuitOpen)
	}
}

// recordFailure counts a transport failure and opens the circuit once
// the threshold is crossed. Opening doubles the backoff up to the cap
// and schedules a half-open probe for when the backoff elapses.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}

	current := c.Status()
	backoff := c.backoff.Load().(time.Duration)
	next := backoff * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	c.circuitFailures.Store(0)

	if current != StatusCircuitOpen {
		if c.status.CompareAndSwap(current, StatusCircuitOpen) {
			if c.metrics != nil {
				c.metrics.RecordNATSStatus(false)
				c.metrics.RecordCircuitBreakerState(true)
			}
			c.logger.Warn("circuit breaker opened",
				"url", c.url, "backoff", backoff)
			time.AfterFunc(backoff, c.probeCircuit)
		}
		return
	}
	c.logger.Warn("circuit breaker still open, backoff increased", "backoff", next)
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// probeCircuit moves an open circuit to half-open so the next Connect
// attempt is allowed through.
func (c *Client) probeCircuit() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debug("circuit breaker half-open, next connect attempt allowed")
		if c.metrics != nil {
			c.metrics.RecordCircuitBreakerState(false)
		}
	}
}

// Connect establishes the connection. A Connect attempted while the
// circuit is open fails immediately with ErrCircuitOpen.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "circuit open")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			c.mu.Lock()
			c.js = js
			c.mu.Unlock()
		}
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() != StatusCircuitOpen {
				c.setStatus(StatusDisconnected)
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "url", c.url)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		onHealthChange(true)
	}
	return nil
}

func (c *Client) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
}

// Publish sends data to subject over core NATS.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Publish", "circuit open")
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "publish "+subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe registers handler for subject. Each delivery gets a context
// derived from ctx with a 30 second processing deadline.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Subscribe", "subscribe "+subject)
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "JetStream", "jetstream not initialized")
	}
	return c.js, nil
}

// EnsureStream creates the stream if it does not exist yet.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, errors.WrapTransient(errors.ErrCircuitOpen, "Client", "EnsureStream", "circuit open")
	}

	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes data to a JetStream subject with an ack.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "PublishToStream", "circuit open")
	}

	js, err := c.JetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	c.resetCircuit()
	return nil
}

// ConsumeStream attaches a consumer to streamName filtered by subject.
// Messages are acked after handler returns.
func (c *Client) ConsumeStream(ctx context.Context, streamName, subject string, handler func([]byte)) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Client", "ConsumeStream", "client closed")
	}

	js, err := c.JetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "create consumer")
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg.Data())
		msg.Ack()
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "start consumer")
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if c.closed.Load() {
		cc.Stop()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "ConsumeStream", "client closing")
	}
	if c.consumers == nil {
		c.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := streamName + ":" + subject
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
	}
	c.consumers[key] = cc
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.consumersMu.Lock()
	for name, cc := range c.consumers {
		cc.Stop()
		c.logger.Debug("stopped stream consumer", "consumer", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() { drainDone <- c.conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain connection"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled"))
		}

		c.conn.Close()
		c.conn = nil
	}

	c.setStatus(StatusDisconnected)

	if len(errs) > 0 {
		msg := "cleanup errors:"
		for i, err := range errs {
			msg += fmt.Sprintf("\n  [%d] %v", i+1, err)
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// Connection event handlers. Health callbacks run on their own
// goroutines because NATS invokes these on its internal dispatcher.
func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		go onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected)

	c.mu.RLock()
	onHealthChange := c.onHealthChange
	c.mu.RUnlock()
	if onHealthChange != nil {
		go onHealthChange(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}
