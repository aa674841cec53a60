package event

import (
	"sync"
	"sync/atomic"
)

// Bus fans domain events out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the event, and the drop is
// counted. The cores publish here; collaborators (notification forwarder,
// UI gateways) subscribe.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{} // nil means all kinds
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber with the given channel buffer. If kinds
// is empty the subscriber receives every event. The returned cancel
// function removes the subscription and closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind()]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels. Publishes
// after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Published returns the number of events published.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns the number of per-subscriber deliveries dropped because
// a subscriber channel was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
