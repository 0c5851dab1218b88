package core

import "errors"

var (
	// ErrBackpressure means the outbound queue of a connection is full.
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts a client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking. It fails when the outbound
	// queue is full or the connection is already closed.
	TrySend(f Frame) error
	Close()
	// Done is closed once the connection is closed for any reason.
	Done() <-chan struct{}
}
