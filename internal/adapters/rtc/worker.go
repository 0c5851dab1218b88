package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker is one webrtc.API and the routers built on it. A panic in any of
// its media goroutines kills the worker.
type Worker struct {
	id     int
	api    *webrtc.API
	caps   core.RTPCapabilities
	logger zerolog.Logger

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool

	died    chan error
	dieOnce sync.Once
}

func newWorker(id int, api *webrtc.API, caps core.RTPCapabilities) *Worker {
	return &Worker{
		id:      id,
		api:     api,
		caps:    caps,
		logger:  log.With().Str("module", "rtc.worker").Int("worker", id).Logger(),
		routers: make(map[string]*Router),
		died:    make(chan error, 1),
	}
}

func (w *Worker) ID() int            { return w.id }
func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) CreateRouter(context.Context) (core.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	r := newRouter(uuid.NewString(), w)
	w.routers[r.id] = r
	w.logger.Debug().Str("router", r.id).Int("routers", len(w.routers)).Msg("router created")
	return r, nil
}

// Close closes every router of the worker.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	w.logger.Info().Msg("media worker closed")
}

func (w *Worker) forget(r *Router) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, r.id)
}

// goSafe runs fn on its own goroutine and turns a panic into worker death.
func (w *Worker) goSafe(name string, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.fail(fmt.Errorf("%s: panic: %v", name, rec))
			}
		}()
		fn()
	}()
}

func (w *Worker) fail(err error) {
	w.dieOnce.Do(func() {
		w.logger.Error().Err(err).Msg("media worker failed")
		w.died <- err
	})
}
