// Package signal serves the voice signaling protocol: request/response
// calls from one client plus server pushes, on top of a SignalConnection.
package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/cordis/internal/app/sfu"
	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errUnauthorized  = errors.New("Unauthorized")
	errNotInRoom     = errors.New("not in a room")
	errAlreadyInRoom = errors.New("already in a room")
	errRateLimited   = errors.New("too many joins, slow down")
	errBadPayload    = errors.New("bad payload")
	errUnknownMethod = errors.New("unknown method")
)

type Options struct {
	ICEServers     []string
	JoinRateLimit  int
	JoinRateWindow time.Duration
	// OpTimeout bounds each media operation.
	OpTimeout time.Duration
}

type SignalWSController struct {
	rooms    *sfu.Rooms
	verifier core.TokenVerifier
	limiter  *RoomRateLimiter
	opts     Options
	newID    func() string
}

func NewSignalWSController(rooms *sfu.Rooms, verifier core.TokenVerifier, opts Options) *SignalWSController {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	var limiter *RoomRateLimiter
	if opts.JoinRateLimit > 0 {
		limiter = NewRoomRateLimiter(opts.JoinRateLimit, opts.JoinRateWindow)
	}
	return &SignalWSController{
		rooms:    rooms,
		verifier: verifier,
		limiter:  limiter,
		opts:     opts,
		newID:    uuid.NewString,
	}
}

// session is the per-connection signaling state. Only the Serve loop
// touches it.
type session struct {
	conn   core.SignalConnection
	logger zerolog.Logger

	userID domain.UserID
	peer   *sfu.Peer
	room   *sfu.Room
}

// currentRoom returns the joined room, forgetting it if the server closed
// it in the meantime (worker death, shutdown).
func (s *session) currentRoom() (*sfu.Room, error) {
	if s.room == nil {
		return nil, errNotInRoom
	}
	if s.room.Closed() {
		s.logger.Info().Str("channel", string(s.room.ChannelID)).Msg("room was closed by the server")
		s.room, s.peer = nil, nil
		return nil, errNotInRoom
	}
	return s.room, nil
}

// Serve handles requests from inbound until it closes, the connection is
// closed or ctx is done. The peer leaves its room on the way out.
func (ctl *SignalWSController) Serve(ctx context.Context, conn core.SignalConnection, inbound <-chan []byte) {
	s := &session{
		conn:   conn,
		logger: log.With().Str("module", "signal").Str("conn", ctl.newID()).Logger(),
	}
	s.logger.Info().Msg("new signaling connection")
	defer func() {
		ctl.handleDisconnect(s)
		conn.Close()
		s.logger.Info().Msg("signaling connection closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case data, ok := <-inbound:
			if !ok {
				return
			}
			ctl.handleSignal(ctx, s, data)
		}
	}
}
