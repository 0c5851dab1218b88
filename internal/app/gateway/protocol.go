package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/cordis/internal/domain"
)

const ProtocolVersion = 1

type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// Dispatch event names.
const (
	EventReady                 = "READY"
	EventMessageCreate         = "MESSAGE_CREATE"
	EventMessageUpdate         = "MESSAGE_UPDATE"
	EventMessageDelete         = "MESSAGE_DELETE"
	EventMessageReactionAdd    = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove = "MESSAGE_REACTION_REMOVE"
	EventChannelCreate         = "CHANNEL_CREATE"
	EventChannelUpdate         = "CHANNEL_UPDATE"
	EventChannelDelete         = "CHANNEL_DELETE"
	EventServerCreate          = "SERVER_CREATE"
	EventServerUpdate          = "SERVER_UPDATE"
	EventServerDelete          = "SERVER_DELETE"
	EventMemberAdd             = "SERVER_MEMBER_ADD"
	EventMemberUpdate          = "SERVER_MEMBER_UPDATE"
	EventMemberRemove          = "SERVER_MEMBER_REMOVE"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventTypingStart           = "TYPING_START"
	EventVoiceStateUpdate      = "VOICE_STATE_UPDATE"
)

var knownEvents = map[string]struct{}{
	EventMessageCreate:         {},
	EventMessageUpdate:         {},
	EventMessageDelete:         {},
	EventMessageReactionAdd:    {},
	EventMessageReactionRemove: {},
	EventChannelCreate:         {},
	EventChannelUpdate:         {},
	EventChannelDelete:         {},
	EventServerCreate:          {},
	EventServerUpdate:          {},
	EventServerDelete:          {},
	EventMemberAdd:             {},
	EventMemberUpdate:          {},
	EventMemberRemove:          {},
	EventPresenceUpdate:        {},
	EventTypingStart:           {},
	EventVoiceStateUpdate:      {},
}

// KnownEvent reports whether t may be published to clients.
// READY is produced by the gateway itself and is not publishable.
func KnownEvent(t string) bool {
	_, ok := knownEvents[t]
	return ok
}

// Topic is a broker channel name.
type Topic string

func ServerTopic(id domain.ServerID) Topic {
	return Topic("cordis:gateway:" + string(id))
}

func DMTopic(id domain.UserID) Topic {
	return Topic("cordis:dm:" + string(id))
}

// Envelope is an outbound gateway frame.
type Envelope struct {
	Op Opcode  `json:"op"`
	T  string  `json:"t,omitempty"`
	D  any     `json:"d"`
	S  *uint64 `json:"s,omitempty"`
}

type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeatInterval"`
}

type ReadyPayload struct {
	V                 int                    `json:"v"`
	SessionID         string                 `json:"sessionId"`
	User              domain.User            `json:"user"`
	Servers           []domain.ServerSummary `json:"servers"`
	HeartbeatInterval int64                  `json:"heartbeatInterval"`
}

type IdentifyProperties struct {
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Device  string `json:"device,omitempty"`
}

type IdentifyPayload struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
}

type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
}

// BrokerMessage is what publishers put on a topic.
type BrokerMessage struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownOpcode  = errors.New("unknown opcode")
)

// Inbound frame variants produced by decodeFrame.
type (
	heartbeatFrame struct{ seq *uint64 }
	identifyFrame  struct{ IdentifyPayload }
	resumeFrame    struct{ ResumePayload }
)

func decodeFrame(data []byte) (any, error) {
	var raw struct {
		Op *Opcode         `json:"op"`
		D  json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Op == nil {
		return nil, fmt.Errorf("%w: missing op", ErrMalformedFrame)
	}

	switch *raw.Op {
	case OpHeartbeat:
		var seq *uint64
		if len(raw.D) > 0 {
			// Heartbeat d is the last seen sequence or null; anything else is ignored.
			_ = json.Unmarshal(raw.D, &seq)
		}
		return heartbeatFrame{seq: seq}, nil
	case OpIdentify:
		var p IdentifyPayload
		if err := unmarshalObject(raw.D, &p); err != nil {
			return nil, err
		}
		return identifyFrame{p}, nil
	case OpResume:
		var p ResumePayload
		if err := unmarshalObject(raw.D, &p); err != nil {
			return nil, err
		}
		return resumeFrame{p}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, *raw.Op)
	}
}

func unmarshalObject(d json.RawMessage, v any) error {
	if len(d) == 0 || string(d) == "null" {
		return fmt.Errorf("%w: missing payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(d, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func encode(op Opcode, t string, d any, seq *uint64) ([]byte, error) {
	return json.Marshal(Envelope{Op: op, T: t, D: d, S: seq})
}
