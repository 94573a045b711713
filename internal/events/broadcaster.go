// Package events provides the in-process pub/sub fabric that propagates
// detection and lifecycle events to subscribers. Topics are keyed by
// organization; per-topic emission order is preserved.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsight/upcguard/internal/model"
)

// defaultBuffer is the per-subscription channel depth. A subscriber that
// falls this far behind starts dropping events rather than stalling the
// engine.
const defaultBuffer = 64

// Subscription is a cancellable handle on one topic. Events arrives on C in
// the order they were published.
type Subscription struct {
	C      <-chan model.Event
	topic  string
	id     int
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broadcaster fans events out to per-organization topics. The zero value is
// not usable; call NewBroadcaster.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	topics map[string]map[int]chan model.Event
	buffer int
}

// NewBroadcaster creates a Broadcaster with the default subscriber buffer.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		topics: make(map[string]map[int]chan model.Event),
		buffer: defaultBuffer,
	}
}

// Subscribe registers a subscriber on the given topic (normally an
// organization ID) and returns a cancellable handle.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, b.buffer)
	id := b.nextID
	b.nextID++

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int]chan model.Event)
		b.topics[topic] = subs
	}
	subs[id] = ch

	return &Subscription{
		C:     ch,
		topic: topic,
		id:    id,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.topics[topic]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
		},
	}
}

// Publish delivers the event to every subscriber of its organization topic.
// Delivery is synchronous with respect to ordering (publishers holding the
// lock enqueue in commit order) but never blocks: a full subscriber buffer
// drops the event for that subscriber only.
func (b *Broadcaster) Publish(name model.EventName, organizationID string, payload map[string]any) {
	evt := model.Event{
		Name:           name,
		OrganizationID: organizationID,
		Payload:        payload,
		EmittedAt:      time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.topics[organizationID] {
		select {
		case ch <- evt:
		default:
			zap.L().Warn("events: subscriber buffer full, dropping event",
				zap.String("topic", organizationID),
				zap.Int("subscriber", id),
				zap.String("event", string(name)),
			)
		}
	}
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
