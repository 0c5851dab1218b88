package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/cordis/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Producer struct {
	id        string
	kind      core.MediaKind
	params    core.RTPParameters
	codec     core.CodecCapability
	transport *Transport
	receiver  *webrtc.RTPReceiver
	relay     *Relay
	logger    zerolog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

func newProducer(t *Transport, kind core.MediaKind, params core.RTPParameters, codec core.CodecCapability, receiver *webrtc.RTPReceiver) *Producer {
	id := uuid.NewString()
	return &Producer{
		id:        id,
		kind:      kind,
		params:    params,
		codec:     codec,
		transport: t,
		receiver:  receiver,
		relay:     NewRelay(),
		logger:    t.logger.With().Str("producer", id).Logger(),
	}
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() core.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() core.RTPParameters { return p.params }
func (p *Producer) Paused() bool                      { return p.relay.Paused() }

func (p *Producer) Pause() error {
	p.relay.SetPaused(true)
	return nil
}

func (p *Producer) Resume() error {
	p.relay.SetPaused(false)
	if p.kind == core.KindVideo {
		p.requestKeyFrame()
	}
	return nil
}

func (p *Producer) ssrc() uint32 {
	return p.params.Encodings[0].SSRC
}

// run receives the stream and relays it until the producer closes or the
// stream ends; the latter is reported as ProducerClosed.
func (p *Producer) run() {
	if p.closed.Load() {
		return
	}
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc()),
				PayloadType: webrtc.PayloadType(p.codec.PreferredPayloadType),
			},
		}},
	})
	if err != nil {
		p.fail(err)
		return
	}
	track := p.receiver.Track()
	if track == nil {
		p.logger.Error().Msg("receiver has no track")
		return
	}
	p.logger.Info().Str("codec", track.Codec().MimeType).Msg("receiving")
	if err := p.relay.loop(track, &p.logger); err != nil {
		p.fail(err)
	}
}

func (p *Producer) fail(err error) {
	if p.closed.Load() {
		return
	}
	p.logger.Warn().Err(err).Msg("producer stream ended")
	p.transport.router.emit(core.MediaEvent{Kind: core.ProducerClosed, ID: p.id, Err: err})
}

// requestKeyFrame asks the sending client for a fresh key frame.
func (p *Producer) requestKeyFrame() {
	if p.kind != core.KindVideo || !p.transport.isReady() {
		return
	}
	pkts := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc()}}
	if _, err := p.transport.dtls.WriteRTCP(pkts); err != nil {
		p.logger.Debug().Err(err).Msg("write PLI")
	}
}

func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.relay.Stop()
		if err := p.receiver.Stop(); err != nil {
			p.logger.Debug().Err(err).Msg("receiver stop")
		}
		p.transport.forgetProducer(p.id)
		p.transport.router.removeProducer(p.id)
		p.logger.Debug().Msg("producer closed")
	})
}
