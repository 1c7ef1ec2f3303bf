// Package eventbus fans registry deltas out to in-process subscribers.
//
// Delivery is best-effort: each subscriber gets a buffered channel, a full
// buffer drops the event for that subscriber, and there is no replay. The
// websocket hub is the main consumer; anything else (the status command, a
// test) can subscribe the same way.
package eventbus

import (
	"sync"

	"github.com/steveyegge/lookout/internal/state"
)

// EventType classifies a bus event. These match the envelope types the hub
// forwards to websocket subscribers.
type EventType string

const (
	EventAgentUpdate   EventType = "agent-update"
	EventFileChange    EventType = "file-change"
	EventMetricsUpdate EventType = "metrics-update"
)

// Event is a single registry delta.
type Event struct {
	Type    EventType      `json:"type"`
	Agent   *state.Agent   `json:"agent,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. Past this, events
// are dropped for that subscriber rather than blocking the publisher.
const subscriberBuffer = 100

// Metrics reports bus counters since creation.
type Metrics struct {
	EventsPublished   uint64
	EventsDelivered   uint64
	EventsDropped     uint64
	SubscribersActive int
	SubscribersTotal  uint64
}

// Bus is a non-blocking publish/subscribe fan-out.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	metrics     Metrics
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.metrics.SubscribersTotal++

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, unsub
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.metrics.EventsPublished++
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
			b.metrics.EventsDelivered++
		default:
			b.metrics.EventsDropped++
		}
	}
}

// PublishAgentUpdate publishes a delta for one agent.
func (b *Bus) PublishAgentUpdate(agent *state.Agent) {
	b.Publish(Event{Type: EventAgentUpdate, Agent: agent})
}

// PublishFileChange publishes an informational queue file event.
func (b *Bus) PublishFileChange(payload map[string]any) {
	b.Publish(Event{Type: EventFileChange, Payload: payload})
}

// PublishMetricsUpdate publishes refreshed aggregate metrics.
func (b *Bus) PublishMetricsUpdate(payload map[string]any) {
	b.Publish(Event{Type: EventMetricsUpdate, Payload: payload})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	m.SubscribersActive = len(b.subscribers)
	return m
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
