package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/cordis/internal/core"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type flowState int32

const (
	flowLive flowState = iota
	flowPaused
	// flowRetired is final: no transition leaves it.
	flowRetired
)

// Consumer forwards one producer to one receiving transport. It starts
// paused; Resume starts the flow.
type Consumer struct {
	id         string
	transport  *Transport
	producer   *Producer
	sender     *webrtc.RTPSender
	sendParams webrtc.RTPSendParameters
	track      *webrtc.TrackLocalStaticRTP
	params     core.RTPParameters
	logger     zerolog.Logger

	// flow is read by the producer's relay on every packet.
	flow      atomic.Int32
	closeOnce sync.Once
}

func newConsumer(id string, t *Transport, prod *Producer, sender *webrtc.RTPSender, track *webrtc.TrackLocalStaticRTP, sendParams webrtc.RTPSendParameters, params core.RTPParameters) *Consumer {
	c := &Consumer{
		id:         id,
		transport:  t,
		producer:   prod,
		sender:     sender,
		sendParams: sendParams,
		track:      track,
		params:     params,
		logger:     t.logger.With().Str("consumer", id).Logger(),
	}
	c.flow.Store(int32(flowPaused))
	return c
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() core.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() core.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                      { return c.state() != flowLive }

func (c *Consumer) Pause() error {
	c.flow.CompareAndSwap(int32(flowLive), int32(flowPaused))
	return nil
}

func (c *Consumer) Resume() error {
	if c.flow.CompareAndSwap(int32(flowPaused), int32(flowLive)) {
		c.producer.requestKeyFrame()
	}
	return nil
}

func (c *Consumer) state() flowState { return flowState(c.flow.Load()) }
func (c *Consumer) retire()          { c.flow.Store(int32(flowRetired)) }

// run starts sending and serves the receiver's RTCP until the sender stops.
func (c *Consumer) run() {
	if err := c.sender.Send(c.sendParams); err != nil {
		c.logger.Error().Err(err).Msg("start sender")
		return
	}
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.producer.relay.detach(c.id)
		if err := c.sender.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("sender stop")
		}
		c.transport.forgetConsumer(c.id)
		c.logger.Debug().Msg("consumer closed")
	})
}
