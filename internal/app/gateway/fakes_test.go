package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/domain"
)

type fakeConn struct {
	out  chan core.Frame
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	full bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		out:  make(chan core.Frame, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	c.mu.Lock()
	full := c.full
	c.mu.Unlock()
	if full {
		return core.ErrBackpressure
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

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type frame struct {
	Op Opcode          `json:"op"`
	T  string          `json:"t"`
	D  json.RawMessage `json:"d"`
	S  *uint64         `json:"s"`
}

func (c *fakeConn) next(t *testing.T) frame {
	t.Helper()
	select {
	case b := <-c.out:
		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("bad frame %s: %v", b, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (c *fakeConn) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case b := <-c.out:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(wait):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBadToken = errors.New("bad token")

type fakeVerifier struct {
	tokens map[string]domain.UserID
}

func (v fakeVerifier) Verify(_ context.Context, token string) (core.Claims, error) {
	uid, ok := v.tokens[token]
	if !ok {
		return core.Claims{}, errBadToken
	}
	return core.Claims{Subject: uid, TokenID: "jti-" + token}, nil
}

type fakeMembers struct {
	servers map[domain.UserID][]domain.ServerSummary
}

func (m fakeMembers) User(_ context.Context, id domain.UserID) (domain.User, error) {
	return domain.User{ID: id, Username: "user-" + string(id), Discriminator: "0001", Status: domain.StatusOffline}, nil
}

func (m fakeMembers) Servers(_ context.Context, id domain.UserID) ([]domain.ServerSummary, error) {
	return m.servers[id], nil
}

type fakePresence struct {
	mu          sync.Mutex
	conns       map[domain.UserID]map[core.SessionID]struct{}
	refreshes   int
	disconnects int

	// When gate is set, Connect reports on entered and blocks until gate
	// is closed.
	gate    chan struct{}
	entered chan struct{}
}

func newFakePresence() *fakePresence {
	return &fakePresence{conns: make(map[domain.UserID]map[core.SessionID]struct{})}
}

func (p *fakePresence) Connect(_ context.Context, uid domain.UserID, sid core.SessionID) error {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[uid] == nil {
		p.conns[uid] = make(map[core.SessionID]struct{})
	}
	p.conns[uid][sid] = struct{}{}
	return nil
}

// stall makes every following Connect block until the returned func runs.
func (p *fakePresence) stall() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 8)
	gate := p.gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (p *fakePresence) Refresh(context.Context, domain.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	return nil
}

func (p *fakePresence) Disconnect(_ context.Context, uid domain.UserID, sid core.SessionID) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	delete(p.conns[uid], sid)
	n := len(p.conns[uid])
	if n == 0 {
		delete(p.conns, uid)
	}
	return int64(n), nil
}

func (p *fakePresence) online(uid domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[uid]
	return ok
}

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]core.BrokerHandler
	subscribes   map[string]int
	unsubscribes map[string]int
	failTopic    string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:     make(map[string]core.BrokerHandler),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, h core.BrokerHandler) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == b.failTopic {
		return nil, errors.New("broker down")
	}
	b.handlers[topic] = h
	b.subscribes[topic]++
	return &fakeSub{b: b, topic: topic}, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

func (b *fakeBroker) counts(topic string) (subs, unsubs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[topic], b.unsubscribes[topic]
}

type fakeSub struct {
	b     *fakeBroker
	topic string
}

func (s *fakeSub) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.handlers, s.topic)
	s.b.unsubscribes[s.topic]++
	return nil
}
