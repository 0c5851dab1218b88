package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatCheck    time.Duration
	IdentifyTimeout   time.Duration
	// StoreTimeout bounds presence and membership calls.
	StoreTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 45 * time.Second,
		HeartbeatTimeout:  65 * time.Second,
		HeartbeatCheck:    30 * time.Second,
		IdentifyTimeout:   10 * time.Second,
		StoreTimeout:      5 * time.Second,
	}
}

// Gateway runs the per-connection session state machine.
type Gateway struct {
	opts     Options
	verifier core.TokenVerifier
	members  core.MembershipLookup
	presence core.PresenceStore
	bridge   *Bridge

	now func() time.Time
}

func New(opts Options, verifier core.TokenVerifier, members core.MembershipLookup, presence core.PresenceStore, bridge *Bridge) *Gateway {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Gateway{
		opts:     opts,
		verifier: verifier,
		members:  members,
		presence: presence,
		bridge:   bridge,
		now:      time.Now,
	}
}

type connState int

const (
	stateConnected connState = iota
	stateIdentifying
	stateReady
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateIdentifying:
		return "identifying"
	case stateReady:
		return "ready"
	default:
		return "closed"
	}
}

// connection is owned by the Serve goroutine; nothing else touches it.
type connection struct {
	g      *Gateway
	conn   core.SignalConnection
	state  connState
	sess   *Session
	logger zerolog.Logger

	lastHeartbeat time.Time
	closeReason   string
}

// Serve drives one client connection until it closes. Inbound frames are
// read from inbound; the adapter closes inbound when the socket dies.
// All timers and registrations are released before Serve returns.
func (g *Gateway) Serve(ctx context.Context, conn core.SignalConnection, inbound <-chan []byte) {
	c := &connection{
		g:           g,
		conn:        conn,
		state:       stateConnected,
		logger:      log.With().Str("module", "gateway").Logger(),
		closeReason: "client",
	}
	defer c.close()

	if err := c.send(OpHello, HelloPayload{HeartbeatInterval: g.opts.HeartbeatInterval.Milliseconds()}); err != nil {
		c.logger.Warn().Err(err).Msg("send hello")
		return
	}

	identifyTimer := time.NewTimer(g.opts.IdentifyTimeout)
	defer identifyTimer.Stop()
	identifyC := identifyTimer.C

	var supervisor *time.Ticker
	var supervisorC <-chan time.Time
	defer func() {
		if supervisor != nil {
			supervisor.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.closeReason = "shutdown"
			return
		case <-conn.Done():
			return
		case data, ok := <-inbound:
			if !ok {
				return
			}
			frame, err := decodeFrame(data)
			if err != nil {
				c.logger.Debug().Err(err).Msg("dropping frame")
				continue
			}
			switch f := frame.(type) {
			case heartbeatFrame:
				c.onHeartbeat(f)
			case identifyFrame:
				if c.state != stateConnected {
					c.logger.Debug().Str("state", c.state.String()).Msg("duplicate identify dropped")
					continue
				}
				identifyTimer.Stop()
				identifyC = nil
				if !c.onIdentify(ctx, f.IdentifyPayload) {
					return
				}
				supervisor = time.NewTicker(g.opts.HeartbeatCheck)
				supervisorC = supervisor.C
			case resumeFrame:
				c.onResume()
			}
		case <-identifyC:
			c.logger.Info().Msg("identify timeout")
			c.closeReason = "identify_timeout"
			_ = c.send(OpInvalidSession, false)
			return
		case <-supervisorC:
			if g.now().Sub(c.lastHeartbeat) > g.opts.HeartbeatTimeout {
				c.logger.Info().Msg("heartbeat timeout")
				c.closeReason = "heartbeat_timeout"
				return
			}
		}
	}
}

func (c *connection) onHeartbeat(f heartbeatFrame) {
	if c.state != stateReady {
		return
	}
	c.lastHeartbeat = c.g.now()
	if f.seq != nil {
		c.logger.Trace().Uint64("client_seq", *f.seq).Msg("heartbeat")
	}
	if err := c.send(OpHeartbeatAck, nil); err != nil {
		c.logger.Debug().Err(err).Msg("send heartbeat ack")
	}

	userID := c.sess.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.g.opts.StoreTimeout)
		defer cancel()
		if err := c.g.presence.Refresh(ctx, userID); err != nil {
			log.Warn().Err(err).Str("module", "gateway").Str("user", string(userID)).Msg("presence refresh")
		}
	}()
}

// onResume answers every resume with a non-resumable invalid session so
// the client starts over with Identify.
func (c *connection) onResume() {
	if c.state != stateConnected {
		return
	}
	_ = c.send(OpInvalidSession, false)
}

// onIdentify authenticates the connection and makes it Ready. It returns
// false when the connection must close.
func (c *connection) onIdentify(ctx context.Context, p IdentifyPayload) bool {
	c.state = stateIdentifying

	claims, err := c.g.verifier.Verify(ctx, p.Token)
	if err != nil {
		c.logger.Info().Err(err).Msg("identify rejected")
		c.reject("auth")
		return false
	}
	userID := claims.Subject
	c.logger = c.logger.With().Str("user", string(userID)).Logger()

	lookupCtx, cancel := context.WithTimeout(ctx, c.g.opts.StoreTimeout)
	defer cancel()
	user, err := c.g.members.User(lookupCtx, userID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("load user")
		c.reject("lookup")
		return false
	}
	servers, err := c.g.members.Servers(lookupCtx, userID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("load servers")
		c.reject("lookup")
		return false
	}
	if servers == nil {
		servers = []domain.ServerSummary{}
	}

	sess := newSession(core.SessionID(uuid.NewString()), userID, c.conn)
	c.logger = c.logger.With().Str("sid", string(sess.ID)).Logger()

	// Hold the session lock until Ready is queued so that no broker
	// dispatch can take sequence number 1.
	sess.mu.Lock()
	c.g.bridge.reg.Add(sess)
	c.sess = sess

	topics := make([]Topic, 0, len(servers)+1)
	for _, s := range servers {
		topics = append(topics, ServerTopic(s.ID))
	}
	topics = append(topics, DMTopic(userID))
	if err := c.g.bridge.Subscribe(ctx, sess, topics); err != nil {
		sess.mu.Unlock()
		c.logger.Error().Err(err).Msg("subscribe topics")
		c.reject("broker")
		return false
	}

	user.Status = domain.StatusOnline
	ready := ReadyPayload{
		V:                 ProtocolVersion,
		SessionID:         string(sess.ID),
		User:              user,
		Servers:           servers,
		HeartbeatInterval: c.g.opts.HeartbeatInterval.Milliseconds(),
	}
	err = sess.dispatchLocked(EventReady, ready)
	sess.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("send ready")
		c.closeReason = "send"
		return false
	}

	c.state = stateReady
	c.lastHeartbeat = c.g.now()
	c.logger.Info().Int("topics", len(topics)).Msg("session ready")

	// Outside sess.mu: broker deliveries to this session must not wait on
	// the presence store.
	if err := c.g.presence.Connect(lookupCtx, userID, sess.ID); err != nil {
		c.logger.Warn().Err(err).Msg("presence connect")
	}
	return true
}

func (c *connection) reject(reason string) {
	c.closeReason = reason
	_ = c.send(OpInvalidSession, false)
}

func (c *connection) send(op Opcode, d any) error {
	b, err := encode(op, "", d, nil)
	if err != nil {
		return err
	}
	return c.conn.TrySend(b)
}

// close releases everything the connection holds. Safe to call twice.
func (c *connection) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	metrics.GatewayClosures.WithLabelValues(c.closeReason).Inc()

	if c.sess != nil {
		c.g.bridge.Detach(c.sess)

		ctx, cancel := context.WithTimeout(context.Background(), c.g.opts.StoreTimeout)
		remaining, err := c.g.presence.Disconnect(ctx, c.sess.UserID, c.sess.ID)
		cancel()
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			c.logger.Warn().Err(err).Msg("presence disconnect")
		case remaining == 0:
			c.logger.Debug().Msg("user offline")
		}
	}
	c.conn.Close()
	c.logger.Info().Str("reason", c.closeReason).Msg("connection closed")
}
