package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WorkerFactory starts a media worker with a fresh id in the given pool
// slot. A replacement worker gets the slot of the worker it replaces.
type WorkerFactory func(id, slot int) (core.MediaWorker, error)

// Pool is a fixed set of media workers handed out round-robin. A worker
// that dies leaves rotation and is replaced after the respawn delay.
type Pool struct {
	factory      WorkerFactory
	respawnDelay time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	workers []core.MediaWorker // one slot per worker; nil while respawning
	next    int
	lastID  int
	closed  bool

	deaths chan int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(ctx context.Context, size int, respawnDelay time.Duration, factory WorkerFactory) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be positive")
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		factory:      factory,
		respawnDelay: respawnDelay,
		logger:       log.With().Str("module", "sfu.pool").Logger(),
		workers:      make([]core.MediaWorker, size),
		deaths:       make(chan int, size),
		ctx:          ctx,
		cancel:       cancel,
	}
	for slot := range size {
		w, err := p.spawn(slot)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start worker %d: %w", slot, err)
		}
		p.install(slot, w)
	}
	p.logger.Info().Int("workers", size).Msg("media worker pool started")
	return p, nil
}

func (p *Pool) spawn(slot int) (core.MediaWorker, error) {
	p.mu.Lock()
	p.lastID++
	id := p.lastID
	p.mu.Unlock()
	return p.factory(id, slot)
}

func (p *Pool) install(slot int, w core.MediaWorker) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Close()
		return
	}
	p.workers[slot] = w
	metrics.VoiceWorkers.Set(float64(p.aliveLocked()))
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watch(slot, w)
}

// Acquire returns the next live worker in rotation.
func (p *Pool) Acquire() (core.MediaWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.workers)
	for i := range n {
		idx := (p.next + i) % n
		if w := p.workers[idx]; w != nil {
			p.next = idx + 1
			return w, nil
		}
	}
	return nil, ErrNoWorkers
}

// Deaths yields the id of each worker that died.
func (p *Pool) Deaths() <-chan int {
	return p.deaths
}

func (p *Pool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aliveLocked()
}

func (p *Pool) aliveLocked() int {
	n := 0
	for _, w := range p.workers {
		if w != nil {
			n++
		}
	}
	return n
}

func (p *Pool) watch(slot int, w core.MediaWorker) {
	defer p.wg.Done()

	var cause error
	select {
	case <-p.ctx.Done():
		return
	case cause = <-w.Died():
	}

	p.logger.Error().Err(cause).Int("worker", w.ID()).Msg("media worker died")
	p.mu.Lock()
	if p.workers[slot] == w {
		p.workers[slot] = nil
	}
	metrics.VoiceWorkers.Set(float64(p.aliveLocked()))
	p.mu.Unlock()
	w.Close()

	select {
	case p.deaths <- w.ID():
	case <-p.ctx.Done():
		return
	}
	p.respawn(slot)
}

func (p *Pool) respawn(slot int) {
	timer := time.NewTimer(p.respawnDelay)
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		w, err := p.spawn(slot)
		if err != nil {
			p.logger.Error().Err(err).Int("slot", slot).Msg("respawn media worker")
			timer.Reset(p.respawnDelay)
			continue
		}
		p.logger.Info().Int("worker", w.ID()).Int("slot", slot).Msg("media worker respawned")
		p.install(slot, w)
		return
	}
}

// Close stops every worker and waits for the watchers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]core.MediaWorker, 0, len(p.workers))
	for i, w := range p.workers {
		if w != nil {
			workers = append(workers, w)
			p.workers[i] = nil
		}
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	for _, w := range workers {
		w.Close()
	}
	metrics.VoiceWorkers.Set(0)
}
