// Package bus is the in-process broadcast pub/sub that feeds governance
// events to streaming subscribers. Queues are bounded; a slow consumer
// loses events rather than ever throttling an evaluation, and catches up
// through the audit-log query API.
package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	EventConnected       = "connected"
	EventActionEvaluated = "action_evaluated"
	EventActionVerified  = "action_verified"
	EventAutoKillSwitch  = "auto_kill_switch"
)

// subscriberCapacity bounds each subscriber queue.
const subscriberCapacity = 256

// ErrClosed is returned by Subscribe after shutdown has begun.
var ErrClosed = errors.New("event bus is shut down")

// Event is one governance event.
type Event struct {
	Type      string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Bus is the broadcast hub. Publish never blocks: a full subscriber queue
// silently drops the event.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	closed      bool
	dropped     uint64
	logger      *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a new bounded subscriber queue.
func (b *Bus) Subscribe() (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, subscriberCapacity)
	b.subscribers[ch] = struct{}{}
	return ch, nil
}

// Unsubscribe removes and closes a subscriber queue. It is idempotent.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish offers the event to every subscriber with non-blocking
// semantics. Delivery to a single subscriber is in publication order; no
// order is guaranteed across subscribers. Sends happen under the bus lock,
// the same lock Unsubscribe and Close take before closing a queue, so a
// send can never hit a closed channel.
func (b *Bus) Publish(eventType string, payload map[string]interface{}) {
	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}

	var dropped uint64
	b.mu.Lock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.dropped++
			dropped = b.dropped
		}
	}
	b.mu.Unlock()

	if dropped%100 == 1 {
		b.logger.Warn("dropping events for slow subscriber", "total_dropped", dropped)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns the total number of events dropped to date.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down; subsequent Subscribe calls fail and existing
// queues are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
}
