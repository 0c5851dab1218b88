package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/cordis/internal/app/sfu"
	"github.com/dkeye/cordis/internal/app/sfu/sfutest"
	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
)

type fakeConn struct {
	out  chan core.Frame
	done chan struct{}
	once sync.Once

	// failPushes makes every server push fail without closing the conn.
	failPushes bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		out:  make(chan core.Frame, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) TrySend(f core.Frame) error {
	if c.failPushes && bytes.HasPrefix(f, []byte(`{"method"`)) {
		return core.ErrConnClosed
	}
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *fakeConn) Close()                { c.once.Do(func() { close(c.done) }) }
func (c *fakeConn) Done() <-chan struct{} { return c.done }

var errBadToken = errors.New("bad token")

type fakeVerifier map[string]domain.UserID

func (v fakeVerifier) Verify(_ context.Context, token string) (core.Claims, error) {
	uid, ok := v[token]
	if !ok {
		return core.Claims{}, errBadToken
	}
	return core.Claims{Subject: uid}, nil
}

// message is either a response (ID set) or a push (Method set).
type message struct {
	ID     *uint64         `json:"id"`
	OK     bool            `json:"ok"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

type harness struct {
	t     *testing.T
	ctl   *SignalWSController
	rooms *sfu.Rooms
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	f := &sfutest.Factory{}
	pool, err := sfu.NewPool(context.Background(), 1, time.Hour, f.New)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	rooms := sfu.NewRooms(pool, 0)
	t.Cleanup(func() {
		rooms.CloseAll("test done")
		pool.Close()
	})
	verifier := fakeVerifier{"alice-token": "alice", "bob-token": "bob"}
	return &harness{t: t, ctl: NewSignalWSController(rooms, verifier, opts), rooms: rooms}
}

type client struct {
	t      *testing.T
	conn   *fakeConn
	in     chan []byte
	done   chan struct{}
	nextID uint64
	pushes []message
	once   sync.Once
}

func (h *harness) connect() *client {
	h.t.Helper()
	return h.connectConn(newFakeConn())
}

func (h *harness) connectConn(conn *fakeConn) *client {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{t: h.t, conn: conn, in: make(chan []byte, 8), done: make(chan struct{})}
	go func() {
		h.ctl.Serve(ctx, c.conn, c.in)
		close(c.done)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-c.done
	})
	return c
}

func (c *client) read() message {
	c.t.Helper()
	select {
	case b := <-c.conn.out:
		var m message
		if err := json.Unmarshal(b, &m); err != nil {
			c.t.Fatalf("bad message %s: %v", b, err)
		}
		return m
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for message")
		return message{}
	}
}

func (c *client) send(method string, data any) uint64 {
	c.t.Helper()
	c.nextID++
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	b, _ := json.Marshal(Request{ID: c.nextID, Method: method, Data: raw})
	c.in <- b
	return c.nextID
}

// call sends one request and returns its response, keeping pushes that
// arrive in between.
func (c *client) call(method string, data any) message {
	c.t.Helper()
	id := c.send(method, data)
	for {
		m := c.read()
		if m.Method != "" {
			c.pushes = append(c.pushes, m)
			continue
		}
		if m.ID == nil || *m.ID != id {
			c.t.Fatalf("response for %v, want id %d", m.ID, id)
		}
		return m
	}
}

func (c *client) mustCall(method string, data any, out any) {
	c.t.Helper()
	m := c.call(method, data)
	if !m.OK {
		c.t.Fatalf("%s failed: %s", method, m.Error)
	}
	if out != nil {
		if err := json.Unmarshal(m.Data, out); err != nil {
			c.t.Fatalf("%s: decode %s: %v", method, m.Data, err)
		}
	}
}

func (c *client) push(method string) message {
	c.t.Helper()
	for i, m := range c.pushes {
		if m.Method == method {
			c.pushes = append(c.pushes[:i], c.pushes[i+1:]...)
			return m
		}
	}
	for {
		m := c.read()
		if m.Method == method {
			return m
		}
		c.pushes = append(c.pushes, m)
	}
}

func (c *client) disconnect() {
	c.once.Do(func() { close(c.in) })
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.t.Fatal("Serve did not return")
	}
}
