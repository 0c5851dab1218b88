package core

import (
	"context"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// CodecCapability is one codec a router or an endpoint can handle.
type CodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

type RTPCapabilities struct {
	Codecs []CodecCapability `json:"codecs"`
}

// CodecParameters is a negotiated codec inside RTP parameters.
type CodecParameters struct {
	MimeType    string         `json:"mimeType"`
	PayloadType uint8          `json:"payloadType"`
	ClockRate   uint32         `json:"clockRate"`
	Channels    uint16         `json:"channels,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Encoding struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPParameters struct {
	Mid       string            `json:"mid,omitempty"`
	Codecs    []CodecParameters `json:"codecs"`
	Encodings []Encoding        `json:"encodings"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is what a client needs to connect to a server transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the remote side of a transport.
// ICEParameters is optional for engines that do not need remote credentials.
type ConnectParams struct {
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *ICEParameters `json:"iceParameters,omitempty"`
}

type MediaEventKind int

const (
	// TransportClosed means the engine closed a transport on its own
	// (ICE/DTLS failure or remote close).
	TransportClosed MediaEventKind = iota + 1
	// ProducerClosed means the inbound stream of a producer ended.
	ProducerClosed
)

func (k MediaEventKind) String() string {
	switch k {
	case TransportClosed:
		return "transport-closed"
	case ProducerClosed:
		return "producer-closed"
	default:
		return "unknown"
	}
}

// MediaEvent reports an engine-originated closure to the room owning it.
type MediaEvent struct {
	Kind MediaEventKind
	ID   string
	Err  error
}

// MediaWorker is one isolated media engine instance.
type MediaWorker interface {
	ID() int
	CreateRouter(ctx context.Context) (Router, error)
	// Died yields one value when the worker stops unexpectedly.
	Died() <-chan error
	Close()
}

// Router owns the transports of one room on one worker.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CanConsume(producerID string, caps RTPCapabilities) bool
	CreateTransport(ctx context.Context) (Transport, error)
	Events() <-chan MediaEvent
	Close()
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, p ConnectParams) error
	Produce(ctx context.Context, kind MediaKind, params RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error)
	Close()
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Pause() error
	Resume() error
	Close()
}

// Consumer is created paused; Resume starts forwarding.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Pause() error
	Resume() error
	Close()
}
