package pubsub

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process Broker. Gateways sharing one Memory behave like
// separate processes on a shared topic.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers a copy of payload to every current subscriber of topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.deliver(ctx, bytes.Clone(payload)); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic.
func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		broker: m,
		topic:  topic,
		ch:     make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySubscription]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySubscription
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.subs = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}
	return nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.topic)
		}
	}
}

type memorySubscription struct {
	broker *Memory
	topic  string
	ch     chan []byte
	done   chan struct{}

	// mu guards closing ch against in-flight deliveries.
	mu       sync.RWMutex
	closed   bool
	doneOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	s.shutdown()
	return nil
}

func (s *memorySubscription) deliver(ctx context.Context, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- payload:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscription) shutdown() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
