package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Room is the set of peers in one voice channel, pinned to one worker.
// mu serializes every mutation of the peer set and of peer media state,
// and every notification that results from it.
type Room struct {
	ChannelID domain.ChannelID
	WorkerID  int

	router   core.Router
	maxPeers int
	logger   zerolog.Logger

	mu     sync.Mutex
	peers  map[domain.PeerID]*Peer
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newRoom(channelID domain.ChannelID, workerID int, router core.Router, maxPeers int) *Room {
	r := &Room{
		ChannelID: channelID,
		WorkerID:  workerID,
		router:    router,
		maxPeers:  maxPeers,
		logger: log.With().
			Str("module", "sfu.room").
			Str("channel", string(channelID)).
			Int("worker", workerID).
			Logger(),
		peers: make(map[domain.PeerID]*Peer),
		stop:  make(chan struct{}),
	}
	go r.watch()
	return r
}

// watch applies closures the engine reports on its own.
func (r *Room) watch() {
	events := r.router.Events()
	for {
		select {
		case ev := <-events:
			r.onMediaEvent(ev)
		case <-r.stop:
			return
		}
	}
}

func (r *Room) onMediaEvent(ev core.MediaEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.logger.Debug().Str("event", ev.Kind.String()).Str("id", ev.ID).AnErr("cause", ev.Err).Msg("media event")

	switch ev.Kind {
	case core.TransportClosed:
		for _, p := range r.peers {
			if _, dir, ok := p.transportByID(ev.ID); ok {
				r.closeTransportLocked(p, dir)
				return
			}
		}
	case core.ProducerClosed:
		for _, p := range r.peers {
			if prod, ok := p.producerByID(ev.ID); ok {
				r.closeProducerLocked(p, prod)
				return
			}
		}
	}
}

func (r *Room) RTPCapabilities() core.RTPCapabilities {
	return r.router.RTPCapabilities()
}

// AddPeer admits p, tells the existing peers about it and returns what
// p needs to catch up: the other members and their live producers.
func (r *Room) AddPeer(p *Peer) ([]domain.Member, []ProducerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrRoomClosed
	}
	if _, ok := r.peers[p.ID]; ok {
		return nil, nil, ErrPeerExists
	}
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		return nil, nil, ErrRoomFull
	}

	members := make([]domain.Member, 0, len(r.peers))
	producers := make([]ProducerInfo, 0)
	for _, other := range r.peers {
		members = append(members, other.member())
		for kind, prod := range other.producers {
			producers = append(producers, ProducerInfo{ProducerID: prod.ID(), PeerID: other.ID, Kind: kind})
		}
		other.notify(PushNewPeer, p.member())
	}
	r.peers[p.ID] = p
	metrics.VoicePeers.Inc()
	r.logger.Info().Str("peer", string(p.ID)).Str("user", string(p.UserID)).Int("peers", len(r.peers)).Msg("peer joined")
	return members, producers, nil
}

// RemovePeer closes everything p owns and tells the others it left.
func (r *Room) RemovePeer(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return false
	}
	r.closePeerLocked(p)
	delete(r.peers, id)
	metrics.VoicePeers.Dec()
	for _, other := range r.peers {
		other.notify(PushPeerLeft, PeerLeft{PeerID: id})
	}
	r.logger.Info().Str("peer", string(id)).Int("peers", len(r.peers)).Msg("peer left")
	return true
}

func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers) == 0
}

// closeIfEmpty marks an empty room closed so no later join can enter it.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.peers) > 0 {
		return false
	}
	r.closed = true
	return true
}

// evict closes every peer, telling each one why, and closes the room.
func (r *Room) evict(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		r.closePeerLocked(p)
		p.notify(PushRoomClosed, RoomClosed{ChannelID: r.ChannelID, Reason: reason})
		delete(r.peers, id)
		metrics.VoicePeers.Dec()
	}
	r.closed = true
}

func (r *Room) shutdown() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.router.Close()
		r.logger.Info().Msg("room closed")
	})
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) Members() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Member, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.member())
	}
	return out
}

func (r *Room) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RoomInfo{ChannelID: r.ChannelID, WorkerID: r.WorkerID, PeerCount: len(r.peers)}
}

func (r *Room) peerLocked(id domain.PeerID) (*Peer, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	p, ok := r.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p, nil
}

// CreateTransport allocates the peer's transport for dir. A peer has at
// most one transport per direction.
func (r *Room) CreateTransport(ctx context.Context, peerID domain.PeerID, dir core.Direction) (core.TransportParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return core.TransportParams{}, err
	}
	if p.transport(dir) != nil {
		return core.TransportParams{}, fmt.Errorf("%w: %s", ErrTransportExists, dir)
	}
	t, err := r.router.CreateTransport(ctx)
	if err != nil {
		return core.TransportParams{}, fmt.Errorf("create %s transport: %w", dir, err)
	}
	p.setTransport(dir, t)
	r.logger.Debug().Str("peer", string(peerID)).Str("dir", string(dir)).Str("transport", t.ID()).Msg("transport created")
	return t.Params(), nil
}

func (r *Room) ConnectTransport(ctx context.Context, peerID domain.PeerID, transportID string, params core.ConnectParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	t, _, ok := p.transportByID(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	return t.Connect(ctx, params)
}

// CloseTransport removes a transport and everything riding it, freeing
// its direction for a new one.
func (r *Room) CloseTransport(peerID domain.PeerID, transportID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	_, dir, ok := p.transportByID(transportID)
	if !ok {
		return ErrTransportNotFound
	}
	r.closeTransportLocked(p, dir)
	return nil
}

// Produce starts a producer on the peer's send transport. An existing
// producer of the same kind is closed first.
func (r *Room) Produce(ctx context.Context, peerID domain.PeerID, transportID string, kind core.MediaKind, params core.RTPParameters) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return "", err
	}
	if p.send == nil || p.send.ID() != transportID {
		return "", ErrTransportNotFound
	}
	if old, ok := p.producers[kind]; ok {
		r.logger.Debug().Str("peer", string(peerID)).Str("producer", old.ID()).Msg("replacing producer")
		r.closeProducerLocked(p, old)
	}

	prod, err := p.send.Produce(ctx, kind, params)
	if err != nil {
		return "", fmt.Errorf("produce %s: %w", kind, err)
	}
	p.producers[kind] = prod

	info := ProducerInfo{ProducerID: prod.ID(), PeerID: p.ID, Kind: kind}
	for _, other := range r.peers {
		if other.ID == p.ID {
			continue
		}
		other.notify(PushNewProducer, info)
	}
	r.logger.Info().Str("peer", string(peerID)).Str("producer", prod.ID()).Str("kind", string(kind)).Msg("producer started")
	return prod.ID(), nil
}

// Consume creates a paused consumer of producerID on the peer's receive
// transport. Nothing changes when the peer cannot receive the codec.
func (r *Room) Consume(ctx context.Context, peerID domain.PeerID, producerID string, caps core.RTPCapabilities) (ConsumeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if p.recv == nil {
		return ConsumeResult{}, ErrTransportNotFound
	}
	if !r.hasProducerLocked(producerID) {
		return ConsumeResult{}, ErrProducerNotFound
	}
	if !r.router.CanConsume(producerID, caps) {
		return ConsumeResult{}, ErrCannotConsume
	}

	c, err := p.recv.Consume(ctx, producerID, caps)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume %s: %w", producerID, err)
	}
	p.consumers[c.ID()] = c
	r.logger.Debug().Str("peer", string(peerID)).Str("consumer", c.ID()).Str("producer", producerID).Msg("consumer created")
	return ConsumeResult{
		ID:            c.ID(),
		ProducerID:    producerID,
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	}, nil
}

func (r *Room) PauseProducer(peerID domain.PeerID, producerID string) error {
	return r.withProducer(peerID, producerID, core.Producer.Pause)
}

func (r *Room) ResumeProducer(peerID domain.PeerID, producerID string) error {
	return r.withProducer(peerID, producerID, core.Producer.Resume)
}

func (r *Room) withProducer(peerID domain.PeerID, producerID string, fn func(core.Producer) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	prod, ok := p.producerByID(producerID)
	if !ok {
		return ErrProducerNotFound
	}
	return fn(prod)
}

func (r *Room) ResumeConsumer(peerID domain.PeerID, consumerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.peerLocked(peerID)
	if err != nil {
		return err
	}
	c, ok := p.consumers[consumerID]
	if !ok {
		return ErrConsumerNotFound
	}
	return c.Resume()
}

func (r *Room) hasProducerLocked(id string) bool {
	for _, p := range r.peers {
		if _, ok := p.producerByID(id); ok {
			return true
		}
	}
	return false
}

func (r *Room) closePeerLocked(p *Peer) {
	for _, prod := range p.producers {
		r.closeProducerLocked(p, prod)
	}
	for id, c := range p.consumers {
		c.Close()
		delete(p.consumers, id)
	}
	for _, dir := range []core.Direction{core.DirectionSend, core.DirectionRecv} {
		if t := p.transport(dir); t != nil {
			t.Close()
			p.setTransport(dir, nil)
		}
	}
}

// closeProducerLocked closes prod and every consumer fed by it, telling
// each consumer's owner.
func (r *Room) closeProducerLocked(owner *Peer, prod core.Producer) {
	prod.Close()
	if cur, ok := owner.producers[prod.Kind()]; ok && cur.ID() == prod.ID() {
		delete(owner.producers, prod.Kind())
	}
	for _, p := range r.peers {
		for id, c := range p.consumers {
			if c.ProducerID() != prod.ID() {
				continue
			}
			c.Close()
			delete(p.consumers, id)
			p.notify(PushProducerClosed, ProducerClosed{ConsumerID: id, ProducerID: prod.ID()})
		}
	}
}

func (r *Room) closeTransportLocked(p *Peer, dir core.Direction) {
	t := p.transport(dir)
	if t == nil {
		return
	}
	if dir == core.DirectionSend {
		for _, prod := range p.producers {
			r.closeProducerLocked(p, prod)
		}
	} else {
		for id, c := range p.consumers {
			c.Close()
			delete(p.consumers, id)
		}
	}
	t.Close()
	p.setTransport(dir, nil)
	r.logger.Debug().Str("peer", string(p.ID)).Str("dir", string(dir)).Str("transport", t.ID()).Msg("transport closed")
}
