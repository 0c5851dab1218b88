// Package sfutest provides an in-memory media engine for tests of code
// built on the sfu package.
package sfutest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/google/uuid"
)

// Capabilities is what the fake routers advertise.
func Capabilities() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: []core.CodecCapability{
		{Kind: core.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: core.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	}}
}

func OpusParameters(ssrc uint32) core.RTPParameters {
	return core.RTPParameters{
		Codecs:    []core.CodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []core.Encoding{{SSRC: ssrc}},
	}
}

func VP8Parameters(ssrc uint32) core.RTPParameters {
	return core.RTPParameters{
		Codecs:    []core.CodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []core.Encoding{{SSRC: ssrc}},
	}
}

var ErrInvalidParameters = errors.New("invalid rtp parameters")

type Worker struct {
	id   int
	slot int
	died chan error

	mu      sync.Mutex
	routers []*Router
	closed  bool
}

func NewWorker(id, slot int) *Worker {
	return &Worker{id: id, slot: slot, died: make(chan error, 1)}
}

// Factory is a sfu.WorkerFactory-compatible constructor that records
// every worker it creates.
type Factory struct {
	mu      sync.Mutex
	Workers []*Worker
	Fail    bool
}

func (f *Factory) New(id, slot int) (core.MediaWorker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return nil, errors.New("worker start failed")
	}
	w := NewWorker(id, slot)
	f.Workers = append(f.Workers, w)
	return w, nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Workers)
}

func (f *Factory) Worker(i int) *Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Workers[i]
}

func (w *Worker) ID() int            { return w.id }
func (w *Worker) Slot() int          { return w.slot }
func (w *Worker) Died() <-chan error { return w.died }

// Kill makes the worker report death once.
func (w *Worker) Kill(err error) {
	select {
	case w.died <- err:
	default:
	}
}

func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) CreateRouter(context.Context) (core.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.New("worker closed")
	}
	r := &Router{
		id:         uuid.NewString(),
		caps:       Capabilities(),
		events:     make(chan core.MediaEvent, 16),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Router(nil), w.routers...)
}

type Router struct {
	id     string
	caps   core.RTPCapabilities
	events chan core.MediaEvent

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RTPCapabilities() core.RTPCapabilities { return r.caps }
func (r *Router) Events() <-chan core.MediaEvent        { return r.events }

// Emit injects an engine-originated event.
func (r *Router) Emit(ev core.MediaEvent) {
	r.events <- ev
}

func (r *Router) CanConsume(producerID string, caps core.RTPCapabilities) bool {
	r.mu.Lock()
	prod, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return caps.Supports(prod.params.Codecs[0])
}

func (r *Router) CreateTransport(context.Context) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("router closed")
	}
	t := &Transport{id: uuid.NewString(), router: r}
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport returns the transport with id, if the router created it.
func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type Transport struct {
	id     string
	router *Router

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:            t.id,
		ICEParameters: core.ICEParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd", ICELite: true},
		ICECandidates: []core.ICECandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Port: 40000, Protocol: "udp", Type: "host"}},
		DTLSParameters: core.DTLSParameters{
			Role:         "auto",
			Fingerprints: []core.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(context.Context, core.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return errors.New("already connected")
	}
	t.connected = true
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(_ context.Context, kind core.MediaKind, params core.RTPParameters) (core.Producer, error) {
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return nil, ErrInvalidParameters
	}
	p := &Producer{id: uuid.NewString(), kind: kind, params: params}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID string, caps core.RTPCapabilities) (core.Consumer, error) {
	prod, ok := t.router.Producer(producerID)
	if !ok {
		return nil, errors.New("unknown producer")
	}
	if !caps.Supports(prod.params.Codecs[0]) {
		return nil, errors.New("unsupported codec")
	}
	return &Consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       prod.kind,
		params:     prod.params,
		paused:     true,
	}, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type Producer struct {
	id     string
	kind   core.MediaKind
	params core.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() core.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() core.RTPParameters { return p.params }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	params     core.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producerID }
func (c *Consumer) Kind() core.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() core.RTPParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
