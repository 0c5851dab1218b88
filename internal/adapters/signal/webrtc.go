package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/cordis/internal/core"
)

type rtpCapabilitiesResponse struct {
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

type createTransportPayload struct {
	Direction core.Direction `json:"direction"`
}

type connectTransportPayload struct {
	TransportID    string              `json:"transportId"`
	DTLSParameters core.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *core.ICEParameters `json:"iceParameters,omitempty"`
}

type closeTransportPayload struct {
	TransportID string `json:"transportId"`
}

type producePayload struct {
	TransportID   string             `json:"transportId"`
	Kind          core.MediaKind     `json:"kind"`
	RTPParameters core.RTPParameters `json:"rtpParameters"`
	AppData       json.RawMessage    `json:"appData,omitempty"`
}

type produceResponse struct {
	ID string `json:"id"`
}

type consumePayload struct {
	ProducerID      string               `json:"producerId"`
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

type producerPayload struct {
	ProducerID string `json:"producerId"`
}

type consumerPayload struct {
	ConsumerID string `json:"consumerId"`
}

func (ctl *SignalWSController) handleRTPCapabilities(_ context.Context, s *session, _ json.RawMessage) (any, error) {
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return rtpCapabilitiesResponse{RTPCapabilities: room.RTPCapabilities()}, nil
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p createTransportPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if !p.Direction.Valid() {
		return nil, errBadPayload
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return room.CreateTransport(ctx, s.peer.ID, p.Direction)
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p connectTransportPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.TransportID == "" {
		return nil, errBadPayload
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	params := core.ConnectParams{DTLSParameters: p.DTLSParameters, ICEParameters: p.ICEParameters}
	return nil, room.ConnectTransport(ctx, s.peer.ID, p.TransportID, params)
}

func (ctl *SignalWSController) handleCloseTransport(_ context.Context, s *session, data json.RawMessage) (any, error) {
	var p closeTransportPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return nil, room.CloseTransport(s.peer.ID, p.TransportID)
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p producePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if !p.Kind.Valid() || p.TransportID == "" {
		return nil, errBadPayload
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	id, err := room.Produce(ctx, s.peer.ID, p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		return nil, err
	}
	return produceResponse{ID: id}, nil
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p consumePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.ProducerID == "" {
		return nil, errBadPayload
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return room.Consume(ctx, s.peer.ID, p.ProducerID, p.RTPCapabilities)
}

func (ctl *SignalWSController) handlePauseProducer(_ context.Context, s *session, data json.RawMessage) (any, error) {
	var p producerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return nil, room.PauseProducer(s.peer.ID, p.ProducerID)
}

func (ctl *SignalWSController) handleResumeProducer(_ context.Context, s *session, data json.RawMessage) (any, error) {
	var p producerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return nil, room.ResumeProducer(s.peer.ID, p.ProducerID)
}

func (ctl *SignalWSController) handleResumeConsumer(_ context.Context, s *session, data json.RawMessage) (any, error) {
	var p consumerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	room, err := s.currentRoom()
	if err != nil {
		return nil, err
	}
	return nil, room.ResumeConsumer(s.peer.ID, p.ConsumerID)
}
