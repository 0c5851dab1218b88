package gateway

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
)

var (
	// ErrBackpressure is returned when a session's outbound queue is full.
	ErrBackpressure  = core.ErrBackpressure
	ErrSessionClosed = errors.New("session closed")
)

// Session is one Ready gateway connection.
type Session struct {
	ID     core.SessionID
	UserID domain.UserID

	conn core.SignalConnection

	// mu orders seq increments with queueing so frames leave in seq order.
	mu  sync.Mutex
	seq uint64

	// topics is owned by the Registry and guarded by its mutex.
	topics map[Topic]struct{}
}

func newSession(id core.SessionID, userID domain.UserID, conn core.SignalConnection) *Session {
	return &Session{
		ID:     id,
		UserID: userID,
		conn:   conn,
		topics: make(map[Topic]struct{}),
	}
}

// Dispatch sends an op 0 frame stamped with the next sequence number.
func (s *Session) Dispatch(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchLocked(event, payload)
}

func (s *Session) dispatchLocked(event string, payload any) error {
	next := s.seq + 1
	b, err := encode(OpDispatch, event, payload, &next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := s.conn.TrySend(b); err != nil {
		return err
	}
	// Only frames that made it into the queue consume a sequence number.
	s.seq = next
	return nil
}

func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) Close() {
	s.conn.Close()
}
