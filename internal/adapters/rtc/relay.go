package rtc

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay fans the RTP of one producer out to its consumers' local tracks.
type Relay struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer

	paused   atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func NewRelay() *Relay {
	return &Relay{
		consumers: make(map[string]*Consumer),
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from src and forwards them to the attached
// consumers until the relay is stopped (nil) or reading fails (the read error).
func (r *Relay) loop(src *webrtc.TrackRemote, logger *zerolog.Logger) error {
	defer r.retireAll()
	for {
		select {
		case <-r.done:
			logger.Debug().Msg("relay stopped")
			return nil
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			select {
			case <-r.done:
				return nil
			default:
			}
			logger.Warn().Err(err).Msg("relay read RTP error, stopping")
			return err
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	targets := maps.Clone(r.consumers)
	r.mu.RUnlock()

	var gone []string
	for id, c := range targets {
		switch c.state() {
		case flowRetired:
			gone = append(gone, id)
		case flowLive:
			if err := c.track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", id).Msg("relay write RTP error, retiring consumer")
				c.retire()
				gone = append(gone, id)
			}
		}
	}
	if len(gone) > 0 {
		r.mu.Lock()
		for _, id := range gone {
			delete(r.consumers, id)
		}
		r.mu.Unlock()
	}
}

func (r *Relay) retireAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consumers {
		c.retire()
	}
}

func (r *Relay) attach(c *Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.id] = c
}

func (r *Relay) detach(consumerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.consumers[consumerID]; ok {
		c.retire()
		delete(r.consumers, consumerID)
	}
}

func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }
func (r *Relay) Paused() bool          { return r.paused.Load() }

// Stop ends the loop at its next packet boundary and retires every consumer.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.retireAll()
	})
}
