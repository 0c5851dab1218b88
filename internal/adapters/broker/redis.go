package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Redis multiplexes every topic over one pub/sub connection.
type Redis struct {
	rdb    *redis.Client
	logger zerolog.Logger

	mu       sync.Mutex
	ps       *redis.PubSub
	handlers map[string]core.BrokerHandler
	closed   bool
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{
		rdb:      rdb,
		logger:   log.With().Str("module", "broker.redis").Logger(),
		handlers: make(map[string]core.BrokerHandler),
	}
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, topic string, h core.BrokerHandler) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.ps == nil {
		b.ps = b.rdb.Subscribe(ctx)
		go b.receive(b.ps.Channel())
	}

	b.handlers[topic] = h
	if err := b.ps.Subscribe(ctx, topic); err != nil {
		delete(b.handlers, topic)
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	return &redisSub{b: b, topic: topic}, nil
}

func (b *Redis) receive(ch <-chan *redis.Message) {
	for msg := range ch {
		b.mu.Lock()
		h := b.handlers[msg.Channel]
		b.mu.Unlock()
		if h == nil {
			continue
		}
		h(msg.Channel, []byte(msg.Payload))
	}
	b.logger.Info().Msg("receive loop stopped")
}

func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.handlers)
	if b.ps != nil {
		return b.ps.Close()
	}
	return nil
}

type redisSub struct {
	b     *Redis
	topic string
}

func (s *redisSub) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.handlers, s.topic)
	if s.b.closed || s.b.ps == nil {
		return nil
	}
	return s.b.ps.Unsubscribe(context.Background(), s.topic)
}
