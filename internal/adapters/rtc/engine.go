// Package rtc is the pion-backed media engine: workers, routers and ORTC
// transports that carry producers and consumers.
package rtc

import (
	"errors"
	"fmt"

	"github.com/dkeye/cordis/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrWorkerClosed          = errors.New("media worker closed")
	ErrRouterClosed          = errors.New("router closed")
	ErrTransportClosed       = errors.New("transport closed")
	ErrAlreadyConnected      = errors.New("transport already connected")
	ErrICEParametersRequired = errors.New("iceParameters required")
	ErrInvalidDTLSParameters = errors.New("invalid dtls parameters")
	ErrInvalidRTPParameters  = errors.New("invalid rtp parameters")
	ErrUnsupportedCodec      = errors.New("unsupported codec")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrCannotConsume         = errors.New("cannot consume")
)

type Options struct {
	// Workers is the pool size; the port range is split evenly across it.
	Workers     int
	MinPort     uint16
	MaxPort     uint16
	AnnouncedIP string
	Codecs      []core.CodecCapability
}

// Engine builds workers. Each worker gets its own webrtc.API.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if len(opts.Codecs) == 0 {
		opts.Codecs = DefaultCodecs()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{opts: opts}
}

// NewWorker starts worker id on the ports of slot. Its signature matches
// sfu.WorkerFactory.
func (e *Engine) NewWorker(id, slot int) (core.MediaWorker, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m, e.opts.Codecs); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{}
	s.SetLite(true)
	lo, hi := portRange(e.opts.MinPort, e.opts.MaxPort, e.opts.Workers, slot)
	if err := s.SetEphemeralUDPPortRange(lo, hi); err != nil {
		return nil, fmt.Errorf("port range %d-%d: %w", lo, hi, err)
	}
	if e.opts.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{e.opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s))
	log.Info().
		Str("module", "rtc.engine").
		Int("worker", id).
		Uint16("min_port", lo).
		Uint16("max_port", hi).
		Msg("media worker started")
	return newWorker(id, api, core.RTPCapabilities{Codecs: e.opts.Codecs}), nil
}

// portRange returns the slice of [first, last] owned by a pool slot. A
// range too narrow to split is shared.
func portRange(first, last uint16, slots, slot int) (uint16, uint16) {
	span := (int(last) - int(first) + 1) / slots
	if span < 1 {
		return first, last
	}
	slot %= slots
	if slot < 0 {
		slot = 0
	}
	lo := int(first) + slot*span
	return uint16(lo), uint16(lo + span - 1)
}
