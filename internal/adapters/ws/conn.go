// Package ws adapts gorilla websocket connections to core.SignalConnection
// with one read pump and one write pump per socket.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

// WSConn is the subset of *websocket.Conn the pumps use.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

type Options struct {
	SendBuffer int
	ReadLimit  int64
	// PingPeriod enables protocol-level pings when positive.
	PingPeriod time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade switches the request to a websocket and wraps it.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options, logger zerolog.Logger) (*Conn, error) {
	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(wsc, opts, logger), nil
}

type Conn struct {
	conn   WSConn
	send   chan core.Frame
	done   chan struct{}
	once   sync.Once
	opts   Options
	logger zerolog.Logger
}

func New(conn WSConn, opts Options, logger zerolog.Logger) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{
		conn:   conn,
		send:   make(chan core.Frame, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger,
	}
}

func (c *Conn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Close stops the pumps. Frames already queued are flushed before the
// socket is closed by the write pump.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// WritePump owns every write to the socket and closes it on exit.
func (c *Conn) WritePump(ctx context.Context) {
	var pingC <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		pingC = ticker.C
	}
	defer func() {
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("writePump ctx done")
			return
		case <-c.done:
			c.flush()
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("writePump write error")
				return
			}
		case <-pingC:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// ReadPump starts reading in its own goroutine. The returned channel is
// closed when the socket fails or the connection is closed.
func (c *Conn) ReadPump(ctx context.Context) <-chan []byte {
	inbound := make(chan []byte, 16)
	if c.opts.PingPeriod > 0 {
		pongWait := c.opts.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go func() {
		defer func() {
			close(inbound)
			c.Close()
		}()
		for {
			msgType, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug().Err(err).Msg("readPump read error")
				}
				return
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			select {
			case inbound <- data:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return inbound
}
