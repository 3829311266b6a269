package eventbus

import (
	"sync"
	"time"
)

// Topics emitted by the monitor core. Subscribers may also pass
// TopicAll to receive everything.
const (
	TopicAll               = "all"
	TopicPipelineStarted   = "pipeline_started"
	TopicPipelineUpdated   = "pipeline_updated"
	TopicPipelineCompleted = "pipeline_completed"
	TopicAlertGenerated    = "alert_generated"
	TopicAlertAcknowledged = "alert_acknowledged"
	TopicAlertResolved     = "alert_resolved"
	TopicMetricsUpdated    = "metrics_updated"
	TopicSettingsUpdated   = "settings_updated"
)

// Event is a single published occurrence. Payload carries the affected
// entity; Timestamp is stamped server-side at publish time.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	ch     chan Event
	topics map[string]struct{}
}

func (s *subscriber) wants(topic string) bool {
	if _, ok := s.topics[TopicAll]; ok {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus fans published events out to any number of subscribers. Sends
// never block: a subscriber that falls behind drops events rather than
// stalling publishers.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers interest in the given topics and returns a
// receive channel. Passing no topics is equivalent to TopicAll.
func (b *Bus) Subscribe(topics ...string) chan Event {
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}
	sub := &subscriber{
		ch:     make(chan Event, 16),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes and closes a channel previously returned by
// Subscribe. Unsubscribing an unknown channel is a no-op.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		if sub.ch == ch {
			delete(b.subscribers, sub)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers payload to every subscriber interested in topic.
// Zero subscribers is fine.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	for sub := range b.subscribers {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// avoid blocking if the subscriber is full
		}
	}
	b.mu.Unlock()
}

// SubscriberCount reports how many subscribers are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
