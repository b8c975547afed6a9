// Package events fans assignment lifecycle events out to stream clients. Brokers are in-process,
// redis pub/sub, or NATS core subjects.
package events

import (
	"context"
	"sync"
	"time"
)

// Topic carries every assignment lifecycle event.
const Topic = "assignments"

type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Broker delivers published events to every current subscriber of a topic. Slow subscribers
// drop events rather than block publishers.
type Broker interface {
	Subscribe(topic string) chan Event
	Unsubscribe(topic string, ch chan Event)
	Publish(ctx context.Context, topic string, evt Event) error
}

const subscriberBuffer = 16

// Memory is an in-process broker for single-replica deployments.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // topic -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(topic string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	m := b.subs[topic]
	_, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (b *Memory) Publish(_ context.Context, topic string, evt Event) error {
	b.mu.Lock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// sink guards a subscriber channel that is fed from a transport goroutine and closed on
// unsubscribe.
type sink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newSink() *sink { return &sink{ch: make(chan Event, subscriberBuffer)} }

func (s *sink) send(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
