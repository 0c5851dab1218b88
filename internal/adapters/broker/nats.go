package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/cordis/internal/config"
	"github.com/dkeye/cordis/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS maps topics one-to-one onto core NATS subjects.
type NATS struct {
	nc *nats.Conn
}

func DialNATS(cfg config.NATSConfig) (*NATS, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("module", "broker.nats").Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "broker.nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	log.Info().Str("module", "broker.nats").Str("url", nc.ConnectedUrl()).Msg("connected")
	return &NATS{nc: nc}, nil
}

func (b *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topic, payload)
}

func (b *NATS) Subscribe(_ context.Context, topic string, h core.BrokerHandler) (core.Subscription, error) {
	sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (b *NATS) Close() error {
	return b.nc.Drain()
}
