// Package events provides the coordination event bus: bounded pub/sub
// with drop counters so slow consumers never block the scheduler.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the base interface for all coordination events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	SwarmID() string
}

// BaseEvent provides the common fields for all events.
type BaseEvent struct {
	Type  string    `json:"type"`
	Time  time.Time `json:"timestamp"`
	Swarm string    `json:"swarm_id"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) SwarmID() string      { return e.Swarm }

// NewBaseEvent creates a new base event stamped with the current time.
func NewBaseEvent(eventType, swarmID string) BaseEvent {
	return BaseEvent{Type: eventType, Time: time.Now(), Swarm: swarmID}
}

type subscriber struct {
	ch    chan Event
	types map[string]bool // empty means all types
}

// Bus is a bounded broadcast channel. Publishing never blocks: when a
// subscriber's buffer is full the oldest event is dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
	dropped     atomic.Int64
	closed      bool
}

// NewBus creates a bus whose subscriber channels buffer bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers for the given event types, or all types when none
// are given. The returned channel is closed on Unsubscribe or bus Close.
func (b *Bus) Subscribe(types ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		types: make(map[string]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subscribers[:0]
	for _, sub := range b.subscribers {
		if sub.ch == ch {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	b.subscribers = kept
}

// Publish delivers an event to every matching subscriber. Full buffers
// drop their oldest event first; if the retry still fails the new event
// is dropped and counted.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	eventType := event.EventType()
	for _, sub := range b.subscribers {
		if len(sub.types) > 0 && !sub.types[eventType] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the total number of dropped events.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
