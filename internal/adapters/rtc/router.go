package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/rs/zerolog"
)

// Router groups the transports of one room. Closures the engine detects on
// its own are reported on Events until the router is closed.
type Router struct {
	id     string
	worker *Worker
	logger zerolog.Logger

	events    chan core.MediaEvent
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
}

func newRouter(id string, w *Worker) *Router {
	return &Router{
		id:         id,
		worker:     w,
		logger:     w.logger.With().Str("router", id).Logger(),
		events:     make(chan core.MediaEvent, 64),
		done:       make(chan struct{}),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RTPCapabilities() core.RTPCapabilities { return r.worker.caps }
func (r *Router) Events() <-chan core.MediaEvent        { return r.events }

func (r *Router) CanConsume(producerID string, caps core.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return caps.Supports(codecParameters(p.codec))
}

func (r *Router) CreateTransport(ctx context.Context) (core.Transport, error) {
	if r.isClosed() {
		return nil, ErrRouterClosed
	}
	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

// Close closes every transport and stops event delivery.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		transports := make([]*Transport, 0, len(r.transports))
		for _, t := range r.transports {
			transports = append(transports, t)
		}
		r.mu.Unlock()

		for _, t := range transports {
			t.Close()
		}
		r.worker.forget(r)
		r.logger.Debug().Int("transports", len(transports)).Msg("router closed")
	})
}

func (r *Router) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// emit blocks until the room takes the event or the router closes.
func (r *Router) emit(ev core.MediaEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}
