package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetlink/event"
)

type published struct {
	subject string
	data    []byte
}

// fakePublisher records publishes and optionally fails them.
type fakePublisher struct {
	mu        sync.Mutex
	published []published
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) last(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	return f.published[len(f.published)-1]
}

func collect(ch <-chan event.Event) []event.Event {
	var out []event.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	reg := NewRegistry(10)
	pub := &fakePublisher{}
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	d := NewDispatcher(reg, pub, bus)

	id, err := d.Dispatch(context.Background(), "D1", "SET_MODE", map[string]any{"mode": "eco"}, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Envelope published to the device's command subject
	msg := pub.last(t)
	assert.Equal(t, "fleet.cmd.D1", msg.subject)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(msg.data, &raw))
	assert.Equal(t, "D1", raw["Device ID"])
	assert.Equal(t, "SET_MODE", raw["Message Type"])
	assert.Equal(t, "Server", raw["sender"])
	assert.Equal(t, id, raw["CommandId"])

	// Registered PENDING
	cmd, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, cmd.Status)

	// CommandSent event emitted
	time.Sleep(10 * time.Millisecond)
	events := collect(ch)
	require.Len(t, events, 1)
	sent, ok := events[0].(event.CommandSent)
	require.True(t, ok)
	assert.Equal(t, id, sent.CommandID)
	assert.Equal(t, "D1", sent.DeviceID)
}

func TestDispatcher_InvalidArguments(t *testing.T) {
	d := NewDispatcher(NewRegistry(10), &fakePublisher{}, event.NewBus())

	_, err := d.Dispatch(context.Background(), "", "SET_MODE", nil, time.Second)
	assert.Error(t, err)

	_, err = d.Dispatch(context.Background(), "D1", "", nil, time.Second)
	assert.Error(t, err)
}

func TestDispatcher_PublishFailure(t *testing.T) {
	reg := NewRegistry(10)
	pub := &fakePublisher{err: fmt.Errorf("nats: connection closed")}
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	d := NewDispatcher(reg, pub, bus)

	id, err := d.Dispatch(context.Background(), "D1", "REBOOT", nil, time.Second)
	require.Error(t, err, "publish failure is surfaced synchronously")

	// Immediately FAILED, moved to history, no timer armed
	cmd, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Contains(t, cmd.Reason, "publish failed")
	assert.Equal(t, 0, reg.ActiveCount())

	// No commandSent, no later timeout event
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, collect(ch))
}

func TestDispatcher_TimeoutScenario(t *testing.T) {
	// dispatch with a 100ms deadline and no acknowledgment ever arriving:
	// the command must end TIMEOUT with exactly one commandTimeout event.
	reg := NewRegistry(10)
	pub := &fakePublisher{}
	bus := event.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	d := NewDispatcher(reg, pub, bus)

	id, err := d.Dispatch(context.Background(), "D1", "PING", nil, 100*time.Millisecond)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	var timeouts []event.CommandTimeout
	for len(timeouts) == 0 {
		select {
		case ev := <-ch:
			if to, ok := ev.(event.CommandTimeout); ok {
				timeouts = append(timeouts, to)
			}
		case <-deadline:
			t.Fatal("no commandTimeout event observed")
		}
	}

	assert.Equal(t, id, timeouts[0].CommandID)
	assert.Equal(t, "D1", timeouts[0].DeviceID)
	assert.Contains(t, timeouts[0].Message, "timed out")

	cmd, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, cmd.Status)
	assert.False(t, cmd.AcknowledgedAt.IsZero())

	// No second timeout event
	time.Sleep(150 * time.Millisecond)
	for _, ev := range collect(ch) {
		_, isTimeout := ev.(event.CommandTimeout)
		assert.False(t, isTimeout, "only one commandTimeout may fire")
	}
}

func TestDispatcher_DefaultTimeoutApplied(t *testing.T) {
	reg := NewRegistry(10)
	d := NewDispatcher(reg, &fakePublisher{}, event.NewBus(),
		WithDefaultTimeout(42*time.Second))

	id, err := d.Dispatch(context.Background(), "D1", "PING", nil, 0)
	require.NoError(t, err)

	cmd, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, cmd.Timeout)
}

func TestDispatcher_SubjectPrefixOption(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(NewRegistry(10), pub, event.NewBus(),
		WithSubjectPrefix("site7.devices.cmd."))

	_, err := d.Dispatch(context.Background(), "D9", "PING", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "site7.devices.cmd.D9", pub.last(t).subject)
}
