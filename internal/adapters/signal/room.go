package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/cordis/internal/app/sfu"
	"github.com/dkeye/cordis/internal/domain"
)

type joinPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	Token     string           `json:"token"`
}

type joinResponse struct {
	PeerID     domain.PeerID      `json:"peerId"`
	Peers      []domain.Member    `json:"peers"`
	Producers  []sfu.ProducerInfo `json:"producers"`
	ICEServers []string           `json:"iceServers,omitempty"`
}

func (ctl *SignalWSController) handleJoin(ctx context.Context, s *session, data json.RawMessage) (any, error) {
	var p joinPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" {
		return nil, errBadPayload
	}
	if _, err := s.currentRoom(); err == nil {
		return nil, errAlreadyInRoom
	}

	uid, err := ctl.authenticate(ctx, s, p.Token)
	if err != nil {
		return nil, err
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(uid) {
		return nil, errRateLimited
	}

	peerID := domain.PeerID(ctl.newID())
	logger := s.logger.With().Str("peer", string(peerID)).Str("user", string(uid)).Logger()
	peer := sfu.NewPeer(peerID, uid, pushNotifier{conn: s.conn, logger: logger})
	room, members, producers, err := ctl.rooms.Join(ctx, p.ChannelID, peer)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel", string(p.ChannelID)).Msg("join failed")
		return nil, err
	}

	s.userID, s.peer, s.room = uid, peer, room
	s.logger = logger
	s.logger.Info().Str("channel", string(p.ChannelID)).Int("peers", len(members)).Msg("join")
	return joinResponse{
		PeerID:     peer.ID,
		Peers:      members,
		Producers:  producers,
		ICEServers: ctl.opts.ICEServers,
	}, nil
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(_ context.Context, s *session, _ json.RawMessage) (any, error) {
	if s.room == nil {
		return nil, errNotInRoom
	}
	ctl.leave(s)
	return nil, nil
}

func (ctl *SignalWSController) handleDisconnect(s *session) {
	if s.room != nil {
		ctl.leave(s)
	}
}

func (ctl *SignalWSController) leave(s *session) {
	room, peer := s.room, s.peer
	s.room, s.peer = nil, nil
	ctl.rooms.Leave(room, peer.ID)
	s.logger.Info().Str("channel", string(room.ChannelID)).Msg("leave")
}
