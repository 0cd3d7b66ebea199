// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package broadcast distributes newly recorded events to live subscribers.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/eventcore/subscore/internal/event"
)

// defaultMailboxSize bounds how many undelivered batches a subscriber's
// channel can hold before Publish starts dropping for that subscriber.
const defaultMailboxSize = 32

// Handle identifies one subscription to a topic, returned by Subscribe and
// required by Unsubscribe. Its identity is the channel itself.
type Handle struct {
	topic string
	ch    chan []event.RecordedEvent
}

// Events returns the channel batches of newly recorded events arrive on.
// The channel is closed by Unsubscribe.
func (h Handle) Events() <-chan []event.RecordedEvent {
	return h.ch
}

// Bus is a concurrent topic registry with non-blocking publish. A topic is
// a stream key (including event.StreamKeyAll for the all-streams topic).
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan []event.RecordedEvent
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan []event.RecordedEvent)}
}

// Subscribe registers a new mailbox for topic and returns a Handle for
// receiving from it and for unsubscribing later.
func (b *Bus) Subscribe(topic string) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []event.RecordedEvent, defaultMailboxSize)
	b.subs[topic] = append(b.subs[topic], ch)
	return Handle{topic: topic, ch: ch}
}

// Unsubscribe removes h from its topic and closes its channel. Unsubscribe
// on an already-removed handle is a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[h.topic]
	for i, sub := range subs {
		if sub == h.ch {
			b.subs[h.topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers events to every subscriber of topic. Delivery is
// non-blocking per subscriber: a subscriber whose mailbox is full misses
// the batch and a warning is logged, rather than Publish blocking on a
// slow consumer. A missed batch surfaces as a gap the subscription
// reconciles through catch-up.
func (b *Bus) Publish(topic string, events []event.RecordedEvent) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- events:
		default:
			slog.Warn("broadcast batch dropped: subscriber mailbox full",
				"topic", topic,
				"batch_size", len(events),
				"first_event_number", events[0].EventNumber,
			)
		}
	}
}

// SubscriberCount reports how many live subscribers a topic has, for
// observability.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
