package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscription buffer used when neither the bus nor the
// subscriber asks for one.
const DefaultBuffer = 256

// anyTopic keys the subscribers that receive every event.
const anyTopic = "*"

// EventBus fans published events out to buffered subscriber channels. The
// publisher never waits: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // keyed by topic, anyTopic for SubscribeAll
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewEventBus returns an open bus. buffer is the size given to subscriptions
// that pass a non-positive size; zero means DefaultBuffer.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &EventBus{subs: make(map[string][]chan Event), buffer: buffer}
}

// Subscribe returns a channel receiving the events of one topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving every event regardless of topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(anyTopic, bufSize)
}

func (b *EventBus) subscribe(key string, size int) <-chan Event {
	if size <= 0 {
		size = b.buffer
	}
	ch := make(chan Event, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Late subscribers see a closed channel, never a silent one.
		close(ch)
		return ch
	}
	b.subs[key] = append(b.subs[key], ch)
	return ch
}

// Publish delivers event to its topic's subscribers and to SubscribeAll
// channels. Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, key := range [...]string{Topic(event), anyTopic} {
		for _, ch := range b.subs[key] {
			select {
			case ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped counts deliveries lost to full subscribers since the bus was created.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Further calls do nothing.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, key)
	}
}
