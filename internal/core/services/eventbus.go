package services

import (
	"log/slog"
	"sync"
)

type EventType string

const (
	EventTypeState       EventType = "state"       // loop state transition
	EventTypeDecision    EventType = "decision"    // analyzer output
	EventTypeObservation EventType = "observation" // tool result merged into context
	EventTypeSubQuery    EventType = "sub_query"   // decomposition progress
	EventTypeReply       EventType = "reply"       // final answer or clarification request
	EventTypeTrace       EventType = "trace"       // trace/span lifecycle
)

// Event is published on a topic: the ID of the session whose run produced it.
type Event struct {
	Topic     string    `json:"topic"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"` // JSON payload or raw text
	Timestamp int64     `json:"timestamp"`
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: Topic
	global []chan Event            // receive every event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// SubscribeGlobal returns a channel that receives events of every topic
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.global {
				if sub == ch {
					close(ch)
					b.global = append(b.global[:i], b.global[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Subscribe returns a channel that receives events for a topic
func (b *EventBus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[topic]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[topic] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the topic
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers := b.subs[e.Topic]
	for _, ch := range append(subscribers[:len(subscribers):len(subscribers)], b.global...) {
		select {
		case ch <- e:
		default:
			// If channel is full, drop event to prevent blocking the loop
			b.logger.Warn("event bus channel full, dropping event", "topic", e.Topic)
		}
	}
}
