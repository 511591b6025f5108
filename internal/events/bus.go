// Package events carries task lifecycle, alert and queue statistics events
// between the service's components and any in-process consumers.
package events

import (
	"sync"
	"sync/atomic"
)

// defaultBuffer is the subscriber channel capacity used when the caller
// passes a non-positive size.
const defaultBuffer = 256

// EventBus is a channel-based pub-sub bus. Subscriptions are per topic or,
// via SubscribeAll, across every topic. Publishing never blocks: deliveries
// a full subscriber cannot take are dropped and counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // per-topic subscriber channels
	all     []chan Event            // cross-topic subscribers
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel that receives events published to topic.
// bufSize caps how far the subscriber may lag (defaults to 256 if <= 0).
// Subscribing to a closed bus yields an already-closed channel.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newSubscriber(bufSize)
	if !b.closed {
		b.subs[topic] = append(b.subs[topic], ch)
	}
	return ch
}

// SubscribeAll returns a channel that receives events from every topic.
// bufSize behaves as in Subscribe.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.newSubscriber(bufSize)
	if !b.closed {
		b.all = append(b.all, ch)
	}
	return ch
}

// newSubscriber allocates a subscriber channel, already closed when the bus
// itself is. Callers must hold b.mu.
func (b *EventBus) newSubscriber(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)
	if b.closed {
		close(ch)
	}
	return ch
}

// Publish delivers event to the topic's subscribers and to every
// cross-topic subscriber. It never blocks; a full subscriber loses the
// event and the drop counter moves. Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.deliver(b.subs[topic], event)
	b.deliver(b.all, event)
}

// deliver offers event to each channel without blocking. Callers must hold
// b.mu for reading.
func (b *EventBus) deliver(chs []chan Event, event Event) {
	for _, ch := range chs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were discarded because a subscriber
// could not keep up.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, chs := range b.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}
