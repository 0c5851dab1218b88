package sfu

import (
	"errors"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomClosed        = errors.New("room closed")
	ErrRoomFull          = errors.New("room full")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrPeerExists        = errors.New("peer already joined")
	ErrTransportNotFound = errors.New("transport not found")
	ErrTransportExists   = errors.New("transport already exists for direction")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrCannotConsume     = errors.New("cannot consume")
	ErrNoWorkers         = errors.New("no media workers available")
)

// Push method names sent to peers.
const (
	PushNewProducer    = "new-producer"
	PushNewPeer        = "new-peer"
	PushPeerLeft       = "peer-left"
	PushProducerClosed = "producer-closed"
	PushRoomClosed     = "room-closed"
)

// Notifier delivers server-initiated messages to one peer's client.
type Notifier interface {
	Notify(method string, data any)
}

type ProducerInfo struct {
	ProducerID string         `json:"producerId"`
	PeerID     domain.PeerID  `json:"peerId"`
	Kind       core.MediaKind `json:"kind"`
}

type PeerLeft struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ProducerClosed struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

type RoomClosed struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Reason    string           `json:"reason"`
}

type ConsumeResult struct {
	ID            string             `json:"id"`
	ProducerID    string             `json:"producerId"`
	Kind          core.MediaKind     `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
}

// Peer is one client's media state inside a room. Every field except
// the identity is guarded by the owning room's mutex.
type Peer struct {
	ID     domain.PeerID
	UserID domain.UserID

	notifier Notifier

	send      core.Transport
	recv      core.Transport
	producers map[core.MediaKind]core.Producer
	consumers map[string]core.Consumer
}

func NewPeer(id domain.PeerID, userID domain.UserID, n Notifier) *Peer {
	return &Peer{
		ID:        id,
		UserID:    userID,
		notifier:  n,
		producers: make(map[core.MediaKind]core.Producer),
		consumers: make(map[string]core.Consumer),
	}
}

func (p *Peer) notify(method string, data any) {
	if p.notifier != nil {
		p.notifier.Notify(method, data)
	}
}

func (p *Peer) transport(dir core.Direction) core.Transport {
	if dir == core.DirectionSend {
		return p.send
	}
	return p.recv
}

func (p *Peer) setTransport(dir core.Direction, t core.Transport) {
	if dir == core.DirectionSend {
		p.send = t
	} else {
		p.recv = t
	}
}

// transportByID returns the peer's transport with id and its direction.
func (p *Peer) transportByID(id string) (core.Transport, core.Direction, bool) {
	if p.send != nil && p.send.ID() == id {
		return p.send, core.DirectionSend, true
	}
	if p.recv != nil && p.recv.ID() == id {
		return p.recv, core.DirectionRecv, true
	}
	return nil, "", false
}

func (p *Peer) producerByID(id string) (core.Producer, bool) {
	for _, prod := range p.producers {
		if prod.ID() == id {
			return prod, true
		}
	}
	return nil, false
}

func (p *Peer) member() domain.Member {
	return domain.NewMember(p.ID, p.UserID)
}
