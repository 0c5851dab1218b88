package rtc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Transport is one ICE-lite + DTLS path built from pion's ORTC objects.
// Connect returns at once; producers and consumers start receiving and
// sending when the DTLS handshake completes.
type Transport struct {
	id     string
	router *Router
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   core.TransportParams

	ready     chan struct{}
	stop      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	connecting bool
	closed     bool
	nextMid    int
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	api := r.worker.api
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	cleanup := func() {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		cleanup()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}

	cands, err := gatherer.GetLocalCandidates()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.logger = r.logger.With().Str("transport", t.id).Logger()
	t.params = core.TransportParams{
		ID: t.id,
		ICEParameters: core.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          true,
		},
		ICECandidates:  fromICECandidates(cands),
		DTLSParameters: fromDTLSParameters(dtlsParams),
	}
	dtls.OnStateChange(t.onDTLSState)
	return t, nil
}

func (t *Transport) ID() string                   { return t.id }
func (t *Transport) Params() core.TransportParams { return t.params }

// Connect validates the remote parameters and starts ICE and DTLS in the
// background. A failure later on is reported as a TransportClosed event.
func (t *Transport) Connect(_ context.Context, p core.ConnectParams) error {
	if p.ICEParameters == nil || p.ICEParameters.UsernameFragment == "" || p.ICEParameters.Password == "" {
		return ErrICEParametersRequired
	}
	remoteDTLS, err := toDTLSParameters(p.DTLSParameters)
	if err != nil {
		return err
	}
	remoteICE := toICEParameters(*p.ICEParameters)

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrTransportClosed
	case t.connecting:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.connecting = true
	t.mu.Unlock()

	t.router.worker.goSafe("transport connect", func() { t.start(remoteICE, remoteDTLS) })
	return nil
}

func (t *Transport) start(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		t.fail(fmt.Errorf("ice start: %w", err))
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		t.fail(fmt.Errorf("dtls start: %w", err))
		return
	}
	close(t.ready)
	t.logger.Info().Msg("transport connected")
}

func (t *Transport) onDTLSState(s webrtc.DTLSTransportState) {
	t.logger.Debug().Str("dtls_state", s.String()).Msg("DTLS state")
	if s == webrtc.DTLSTransportStateFailed || s == webrtc.DTLSTransportStateClosed {
		t.router.worker.goSafe("transport state", func() { t.fail(fmt.Errorf("dtls %s", s)) })
	}
}

// fail reports a closure the application did not ask for.
func (t *Transport) fail(err error) {
	if t.isClosed() {
		return
	}
	t.logger.Warn().Err(err).Msg("transport failed")
	t.router.emit(core.MediaEvent{Kind: core.TransportClosed, ID: t.id, Err: err})
}

// whenReady runs fn on a worker goroutine once DTLS is up, unless the
// transport closes first.
func (t *Transport) whenReady(name string, fn func()) {
	t.router.worker.goSafe(name, func() {
		select {
		case <-t.ready:
			fn()
		case <-t.stop:
		}
	})
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Produce(_ context.Context, kind core.MediaKind, params core.RTPParameters) (core.Producer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidRTPParameters, kind)
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("%w: need a codec and an encoding with ssrc", ErrInvalidRTPParameters)
	}
	codec, ok := t.router.RTPCapabilities().Match(params.Codecs[0])
	if !ok || codec.Kind != kind {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, params.Codecs[0].MimeType)
	}
	if pt := params.Codecs[0].PayloadType; pt != codec.PreferredPayloadType {
		return nil, fmt.Errorf("%w: payload type %d, router uses %d", ErrUnsupportedCodec, pt, codec.PreferredPayloadType)
	}

	receiver, err := t.router.worker.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	p := newProducer(t, kind, params, codec, receiver)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	t.whenReady("producer", p.run)
	p.logger.Info().Str("kind", string(kind)).Uint32("ssrc", p.ssrc()).Msg("producer created")
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, caps core.RTPCapabilities) (core.Consumer, error) {
	prod, ok := t.router.producer(producerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	if !caps.Supports(codecParameters(prod.codec)) {
		return nil, ErrCannotConsume
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(pionCapability(prod.codec), id, prod.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, ErrTransportClosed
	}
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	c := newConsumer(id, t, prod, sender, track, sendParams, core.RTPParameters{
		Mid:       mid,
		Codecs:    []core.CodecParameters{codecParameters(prod.codec)},
		Encodings: []core.Encoding{{SSRC: ssrc}},
	})
	t.consumers[c.id] = c
	t.mu.Unlock()

	prod.relay.attach(c)
	t.whenReady("consumer", c.run)
	c.logger.Info().Str("producer", prod.id).Uint32("ssrc", ssrc).Msg("consumer created")
	return c, nil
}

// Close tears down everything on the transport without emitting events.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.mu.Unlock()
		close(t.stop)

		for _, c := range consumers {
			c.Close()
		}
		for _, p := range producers {
			p.Close()
		}
		if err := t.dtls.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("dtls stop")
		}
		if err := t.ice.Stop(); err != nil {
			t.logger.Debug().Err(err).Msg("ice stop")
		}
		if err := t.gatherer.Close(); err != nil {
			t.logger.Debug().Err(err).Msg("gatherer close")
		}
		t.router.removeTransport(t.id)
		t.logger.Debug().Msg("transport closed")
	})
}

func (t *Transport) forgetProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) forgetConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *Transport) isReady() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}
