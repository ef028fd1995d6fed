package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Memory is an in-process bus for single-binary deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	buffer int
	logger zerolog.Logger
	closed bool
}

// NewMemory creates a bus; buffer bounds each subscriber queue.
func NewMemory(buffer int, logger zerolog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 16
	}
	return &Memory{
		subs:   make(map[string][]chan Event),
		buffer: buffer,
		logger: logger.With().Str("component", "events_memory").Logger(),
	}
}

// Publish fans out to every subscriber; a full queue drops the event for that subscriber.
func (m *Memory) Publish(ctx context.Context, topic string, event Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			m.logger.Warn().Str("topic", topic).Str("asset", event.Asset).Msg("subscriber queue full, event dropped")
		}
	}
	return nil
}

// Subscribe blocks delivering events until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch := make(chan Event, m.buffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()
	defer m.remove(topic, ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, event); err != nil {
				m.logger.Error().Err(err).Str("topic", topic).Str("asset", event.Asset).Msg("event handler failed")
			}
		}
	}
}

// Subscribers reports the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}

func (m *Memory) remove(topic string, target chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[topic]
	for i, ch := range subs {
		if ch == target {
			m.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, topic)
	}
	return nil
}

var _ Bus = (*Memory)(nil)
