// Package bus provides the in-process pub/sub event bus for the control plane.
// Fleet summaries, reconciliation results, intent transitions, audit entries,
// and sprite observations all fan out through here. Delivery is at-most-once:
// slow subscribers drop the oldest queued message rather than blocking a
// publisher.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known topics. Per-sprite and per-intent topics are derived with
// SpriteTopic and IntentTopic.
const (
	TopicFleet        = "sprites:fleet"
	TopicIntents      = "intents:all"
	TopicAudit        = "safety:audit"
	TopicObservations = "observations:all"
)

// SpriteTopic returns the topic carrying events for one sprite.
func SpriteTopic(spriteID string) string {
	return "sprites:" + spriteID
}

// IntentTopic returns the topic carrying events for one intent.
func IntentTopic(intentID string) string {
	return "intents:" + intentID
}

// EventType classifies bus events.
type EventType string

const (
	EventFleetSummary         EventType = "fleet_summary"
	EventStateChanged         EventType = "state_changed"
	EventHealthChanged        EventType = "health_changed"
	EventReconciliationResult EventType = "reconciliation_result"
	EventIntentTransitioned   EventType = "intent_transitioned"
	EventAuditEntry           EventType = "audit_entry"
	EventObservation          EventType = "observation"
	EventProtocolEvent        EventType = "protocol_event"
	EventRunUpdated           EventType = "run_updated"
)

// Event is one message on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Topic     string    `json:"topic"`
	SpriteID  string    `json:"sprite_id,omitempty"`
	IntentID  string    `json:"intent_id,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

type subscriber struct {
	id     string
	topics map[string]bool // empty = all topics
	ch     chan Event
}

// Bus is a topic-keyed pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
	logger      *zap.Logger

	onDrop func(topic string) // optional drop counter hook
}

// New creates an event bus. bufferSize is the per-subscriber queue depth.
func New(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// OnDrop installs a hook invoked whenever a message is dropped for a slow
// subscriber. Used to feed the drop counter metric.
func (b *Bus) OnDrop(fn func(topic string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Publish delivers an event to every subscriber of its topic.
// Never blocks: if a subscriber's queue is full the oldest queued message
// is dropped to make room.
func (b *Bus) Publish(topic string, evt Event) {
	evt.Topic = topic
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Queue full: drop the oldest so the newest is retained.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
			b.logger.Warn("bus subscriber lagging, dropped oldest event",
				zap.String("subscriber", sub.id),
				zap.String("topic", topic),
			)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}
}

// Subscribe returns a channel of events for the given topics.
// Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string, topics ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		id:     id,
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan Event, b.bufferSize),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	b.subscribers[id] = sub
	return sub.ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *Bus) SubscribeAll(id string) <-chan Event {
	return b.Subscribe(id)
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
