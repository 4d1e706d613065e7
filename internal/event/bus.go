// Package event is the typed in-process publish/subscribe channel the
// gateway emits lifecycle notifications on. Subscribers are explicit;
// a slow subscriber drops events rather than blocking a publisher.
package event

import "sync"

// Event is anything published on the bus.
type Event interface {
	Topic() string
}

type subscriber struct {
	ch     chan Event
	topics map[string]bool // nil means all topics
}

// Bus is a non-blocking fan-out of gateway events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for the given topics (all topics
// when none are named). The returned cancel func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without
// blocking. Events to a full subscriber channel are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[e.Topic()] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}
