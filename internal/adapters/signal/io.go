package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/cordis/internal/app/sfu"
	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	MethodJoinRoom           = "join-room"
	MethodGetRTPCapabilities = "get-rtp-capabilities"
	MethodCreateTransport    = "create-transport"
	MethodConnectTransport   = "connect-transport"
	MethodCloseTransport     = "close-transport"
	MethodProduce            = "produce"
	MethodConsume            = "consume"
	MethodPauseProducer      = "pause-producer"
	MethodResumeProducer     = "resume-producer"
	MethodResumeConsumer     = "resume-consumer"
	MethodLeaveRoom          = "leave-room"
	MethodPing               = "ping"
)

type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type Push struct {
	Method string `json:"method"`
	Data   any    `json:"data"`
}

type handlerFunc func(ctx context.Context, s *session, data json.RawMessage) (any, error)

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *session, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		s.logger.Warn().Err(err).Msg("bad request frame")
		return
	}

	var h handlerFunc
	switch req.Method {
	case MethodJoinRoom:
		h = ctl.handleJoin
	case MethodGetRTPCapabilities:
		h = ctl.handleRTPCapabilities
	case MethodCreateTransport:
		h = ctl.handleCreateTransport
	case MethodConnectTransport:
		h = ctl.handleConnectTransport
	case MethodCloseTransport:
		h = ctl.handleCloseTransport
	case MethodProduce:
		h = ctl.handleProduce
	case MethodConsume:
		h = ctl.handleConsume
	case MethodPauseProducer:
		h = ctl.handlePauseProducer
	case MethodResumeProducer:
		h = ctl.handleResumeProducer
	case MethodResumeConsumer:
		h = ctl.handleResumeConsumer
	case MethodLeaveRoom:
		h = ctl.handleLeave
	case MethodPing:
		h = ctl.handlePing
	default:
		s.logger.Warn().Str("method", req.Method).Msg("unknown signal")
		metrics.VoiceOperations.WithLabelValues("unknown", "error").Inc()
		ctl.reply(s, req.ID, nil, errUnknownMethod)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, ctl.opts.OpTimeout)
	defer cancel()
	result, err := h(opCtx, s, req.Data)

	status := "ok"
	if err != nil {
		status = "error"
		s.logger.Debug().Err(err).Str("method", req.Method).Uint64("id", req.ID).Msg("request failed")
	}
	metrics.VoiceOperations.WithLabelValues(req.Method, status).Inc()
	ctl.reply(s, req.ID, result, err)

	if errors.Is(err, errUnauthorized) {
		s.conn.Close()
	}
}

func (ctl *SignalWSController) reply(s *session, id uint64, data any, err error) {
	resp := Response{ID: id, OK: err == nil, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = err.Error()
	} else if data == nil {
		resp.Data = struct{}{}
	}
	sendJSON(s.conn, s.logger, resp)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errBadPayload
	}
	return nil
}

func sendJSON(conn core.SignalConnection, logger zerolog.Logger, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		logger.Warn().Err(err).Msg("sendJSON")
		if errors.Is(err, core.ErrBackpressure) {
			conn.Close()
		}
	}
}

// pushNotifier delivers room pushes to one client. A client too slow to
// drain its queue is disconnected. It is called from other peers'
// goroutines, so it holds copies rather than the session.
type pushNotifier struct {
	conn   core.SignalConnection
	logger zerolog.Logger
}

var _ sfu.Notifier = pushNotifier{}

func (n pushNotifier) Notify(method string, data any) {
	sendJSON(n.conn, n.logger, Push{Method: method, Data: data})
}
