// Package broker implements core.Broker over Redis pub/sub, NATS and
// an in-process bus for single-node runs and tests.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/cordis/internal/core"
)

var ErrClosed = errors.New("broker closed")

// Memory delivers synchronously on the publisher's goroutine.
type Memory struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]core.BrokerHandler
	closed bool
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[uint64]core.BrokerHandler)}
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]core.BrokerHandler, 0, len(m.topics[topic]))
	for _, h := range m.topics[topic] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string, h core.BrokerHandler) (core.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[uint64]core.BrokerHandler)
	}
	m.topics[topic][id] = h
	return &memorySub{m: m, topic: topic, id: id}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.topics)
	return nil
}

// Topics returns how many topics have at least one subscriber.
func (m *Memory) Topics() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics)
}

type memorySub struct {
	m     *Memory
	topic string
	id    uint64
}

func (s *memorySub) Unsubscribe() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	set := s.m.topics[s.topic]
	delete(set, s.id)
	if len(set) == 0 {
		delete(s.m.topics, s.topic)
	}
	return nil
}
