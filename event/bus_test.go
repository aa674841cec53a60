package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	ev := CommandSent{CommandID: "c1", DeviceID: "d1", CommandType: "PING", SentAt: time.Now()}
	bus.Publish(ev)

	select {
	case got := <-ch:
		sent, ok := got.(CommandSent)
		require.True(t, ok)
		assert.Equal(t, "c1", sent.CommandID)
		assert.Equal(t, KindCommandSent, got.Kind())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_KindFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4, KindAlarmTriggered)
	defer cancel()

	bus.Publish(CommandSent{CommandID: "c1"})
	bus.Publish(AlarmTriggered{RuleOwnerID: "a1", Reason: "over temp"})

	select {
	case got := <-ch:
		assert.Equal(t, KindAlarmTriggered, got.Kind())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected second event: %v", got)
	default:
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(CommandSent{CommandID: "c1"})
	bus.Publish(CommandSent{CommandID: "c2"})
	bus.Publish(CommandSent{CommandID: "c3"})

	assert.Equal(t, uint64(3), bus.Published())
	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestBus_CancelIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	// Publishing after cancel must not panic
	bus.Publish(CommandTimeout{CommandID: "c1"})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Close()
	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close returns a closed channel
	ch2, cancel2 := bus.Subscribe(1)
	defer cancel2()
	_, open = <-ch2
	assert.False(t, open)

	bus.Publish(CommandSent{}) // no-op, no panic
	bus.Close()                // idempotent
}
