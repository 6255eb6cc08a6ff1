package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is used when a subscriber asks for no buffer.
const DefaultBufferSize = 256

type subscription struct {
	topic string // empty for all topics
	ch    chan Event
}

// EventBus fans session events out to subscribers over buffered channels.
//
// Publishing never blocks the runner: an event that does not fit in a
// subscriber's buffer is dropped for that subscriber and counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscription
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving the events published to topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving the events of every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscription{topic: topic, ch: ch})
	return ch
}

// Unsubscribe closes ch and stops delivering to it. Unknown channels are
// ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s subscription) bool {
		return (<-chan Event)(s.ch) == ch
	})
	if i < 0 {
		return
	}
	close(b.subs[i].ch)
	b.subs = slices.Delete(b.subs, i, i+1)
}

// Publish delivers event to the subscribers of topic and to every
// all-topics subscriber. It is a no-op once the bus is closed.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were lost to full buffers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
