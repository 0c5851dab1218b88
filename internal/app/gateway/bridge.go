package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bridge connects local sessions to broker topics.
type Bridge struct {
	reg    *Registry
	broker core.Broker
	policy Policy
	logger zerolog.Logger

	// subs is only touched from registry callbacks, under the registry lock.
	subs map[Topic]core.Subscription
}

func NewBridge(reg *Registry, broker core.Broker, policy Policy) *Bridge {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Bridge{
		reg:    reg,
		broker: broker,
		policy: policy,
		logger: log.With().Str("module", "gateway.bridge").Logger(),
		subs:   make(map[Topic]core.Subscription),
	}
}

// Subscribe joins s to every topic. On failure s is left in the topics
// it already joined; the caller tears the session down with Detach.
func (b *Bridge) Subscribe(ctx context.Context, s *Session, topics []Topic) error {
	for _, topic := range topics {
		err := b.reg.Subscribe(s, topic, func() error {
			sub, err := b.broker.Subscribe(ctx, string(topic), b.deliver)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
			b.subs[topic] = sub
			b.logger.Debug().Str("topic", string(topic)).Msg("broker subscribed")
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Detach removes s from every topic, dropping broker subscriptions that
// no local session needs anymore.
func (b *Bridge) Detach(s *Session) {
	b.reg.Remove(s.ID, b.release)
}

func (b *Bridge) release(topic Topic) {
	sub, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(b.subs, topic)
	if err := sub.Unsubscribe(); err != nil {
		b.logger.Warn().Err(err).Str("topic", string(topic)).Msg("broker unsubscribe")
		return
	}
	b.logger.Debug().Str("topic", string(topic)).Msg("broker unsubscribed")
}

// Publish puts an event on the broker; every gateway node with local
// subscribers on topic dispatches it.
func (b *Bridge) Publish(ctx context.Context, topic Topic, event string, payload any) error {
	d, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg, err := json.Marshal(BrokerMessage{T: event, D: d})
	if err != nil {
		return err
	}
	return b.broker.Publish(ctx, string(topic), msg)
}

func (b *Bridge) deliver(topic string, payload []byte) {
	var msg BrokerMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.T == "" {
		b.logger.Warn().Str("topic", topic).Msg("dropping malformed broker message")
		return
	}
	if len(msg.D) == 0 {
		msg.D = json.RawMessage("null")
	}

	for _, s := range b.reg.Sessions(Topic(topic)) {
		err := s.Dispatch(msg.T, msg.D)
		if err == nil {
			metrics.GatewayDispatches.WithLabelValues("ok").Inc()
			continue
		}
		if !errors.Is(err, ErrBackpressure) {
			metrics.GatewayDispatches.WithLabelValues("closed").Inc()
			continue
		}
		metrics.GatewayDispatches.WithLabelValues("dropped").Inc()
		switch b.policy.OnBackPressure(s, Topic(topic)) {
		case KickSession:
			b.logger.Warn().Str("sid", string(s.ID)).Str("topic", topic).Msg("slow session, closing")
			metrics.GatewayClosures.WithLabelValues("backpressure").Inc()
			s.Close()
		case DropEvent, NoAction:
		}
	}
}
