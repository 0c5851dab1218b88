package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/cordis/internal/domain"
)

type harness struct {
	t        *testing.T
	gw       *Gateway
	reg      *Registry
	bridge   *Bridge
	broker   *fakeBroker
	presence *fakePresence
}

type client struct {
	conn *fakeConn
	in   chan []byte
	done chan struct{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg := NewRegistry()
	broker := newFakeBroker()
	bridge := NewBridge(reg, broker, nil)
	presence := newFakePresence()
	verifier := fakeVerifier{tokens: map[string]domain.UserID{
		"alice-token": "alice",
		"bob-token":   "bob",
	}}
	members := fakeMembers{servers: map[domain.UserID][]domain.ServerSummary{
		"alice": {{ID: "s1", Name: "One"}, {ID: "s2", Name: "Two"}},
		"bob":   {{ID: "s1", Name: "One"}},
	}}
	return &harness{
		t:        t,
		gw:       New(opts, verifier, members, presence, bridge),
		reg:      reg,
		bridge:   bridge,
		broker:   broker,
		presence: presence,
	}
}

func fastOptions() Options {
	return Options{
		HeartbeatInterval: 45 * time.Second,
		HeartbeatTimeout:  time.Minute,
		HeartbeatCheck:    time.Second,
		IdentifyTimeout:   5 * time.Second,
		StoreTimeout:      time.Second,
	}
}

func (h *harness) connect() *client {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{conn: newFakeConn(), in: make(chan []byte, 8), done: make(chan struct{})}
	go func() {
		h.gw.Serve(ctx, c.conn, c.in)
		close(c.done)
	}()
	h.t.Cleanup(func() {
		cancel()
		<-c.done
	})

	hello := c.conn.next(h.t)
	if hello.Op != OpHello {
		h.t.Fatalf("first frame op = %d, want Hello", hello.Op)
	}
	return c
}

func (h *harness) identify(token string) (*client, ReadyPayload) {
	h.t.Helper()
	c := h.connect()
	c.send(h.t, map[string]any{"op": OpIdentify, "d": map[string]any{"token": token}})
	f := c.conn.next(h.t)
	if f.Op != OpDispatch || f.T != EventReady {
		h.t.Fatalf("got op=%d t=%q, want READY", f.Op, f.T)
	}
	if f.S == nil || *f.S != 1 {
		h.t.Fatalf("ready seq = %v, want 1", f.S)
	}
	var ready ReadyPayload
	if err := json.Unmarshal(f.D, &ready); err != nil {
		h.t.Fatal(err)
	}
	return c, ready
}

func (c *client) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- b
}

func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

func TestHelloCarriesHeartbeatInterval(t *testing.T) {
	h := newHarness(t, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := newFakeConn()
	go h.gw.Serve(ctx, conn, make(chan []byte))

	f := conn.next(t)
	if f.Op != OpHello {
		t.Fatalf("op = %d, want %d", f.Op, OpHello)
	}
	var hello HelloPayload
	if err := json.Unmarshal(f.D, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.HeartbeatInterval != 45000 {
		t.Fatalf("heartbeatInterval = %d, want 45000", hello.HeartbeatInterval)
	}
}

func TestIdentifyTimeoutClosesWithInvalidSession(t *testing.T) {
	opts := fastOptions()
	opts.IdentifyTimeout = 50 * time.Millisecond
	h := newHarness(t, opts)
	c := h.connect()

	f := c.conn.next(t)
	if f.Op != OpInvalidSession || string(f.D) != "false" {
		t.Fatalf("got op=%d d=%s, want InvalidSession false", f.Op, f.D)
	}
	c.waitClosed(t)
	if !c.conn.closed() {
		t.Fatal("socket not closed")
	}
	if h.reg.Len() != 0 {
		t.Fatal("no session should be registered")
	}
}

func TestIdentifyReady(t *testing.T) {
	h := newHarness(t, fastOptions())
	_, ready := h.identify("alice-token")

	if ready.V != ProtocolVersion {
		t.Errorf("v = %d", ready.V)
	}
	if ready.SessionID == "" {
		t.Error("empty session id")
	}
	if ready.User.ID != "alice" || ready.User.Status != domain.StatusOnline {
		t.Errorf("user = %+v", ready.User)
	}
	if len(ready.Servers) != 2 {
		t.Errorf("servers = %v", ready.Servers)
	}
	if ready.HeartbeatInterval != 45000 {
		t.Errorf("heartbeatInterval = %d", ready.HeartbeatInterval)
	}

	if h.reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", h.reg.Len())
	}
	for _, topic := range []Topic{ServerTopic("s1"), ServerTopic("s2"), DMTopic("alice")} {
		if !h.broker.subscribed(string(topic)) {
			t.Errorf("broker not subscribed to %s", topic)
		}
	}
	waitUntil(t, "alice online", func() bool { return h.presence.online("alice") })
}

func TestIdentifyRejectsBadToken(t *testing.T) {
	h := newHarness(t, fastOptions())
	c := h.connect()
	c.send(t, map[string]any{"op": OpIdentify, "d": map[string]any{"token": "forged"}})

	f := c.conn.next(t)
	if f.Op != OpInvalidSession || string(f.D) != "false" {
		t.Fatalf("got op=%d d=%s, want InvalidSession false", f.Op, f.D)
	}
	c.waitClosed(t)
	if h.reg.Len() != 0 {
		t.Fatal("rejected connection must not register")
	}
}

func TestIdentifyBrokerFailureCleansUp(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.broker.failTopic = string(DMTopic("alice"))
	c := h.connect()
	c.send(t, map[string]any{"op": OpIdentify, "d": map[string]any{"token": "alice-token"}})

	f := c.conn.next(t)
	if f.Op != OpInvalidSession {
		t.Fatalf("op = %d, want InvalidSession", f.Op)
	}
	c.waitClosed(t)
	if h.reg.Len() != 0 || h.reg.TopicCount() != 0 {
		t.Fatalf("registry not cleaned: sessions=%d topics=%d", h.reg.Len(), h.reg.TopicCount())
	}
	if h.broker.subscribed(string(ServerTopic("s1"))) {
		t.Fatal("server topic left subscribed")
	}
}

func TestDuplicateIdentifyDropped(t *testing.T) {
	h := newHarness(t, fastOptions())
	c, _ := h.identify("alice-token")

	c.send(t, map[string]any{"op": OpIdentify, "d": map[string]any{"token": "bob-token"}})
	c.conn.expectNone(t, 50*time.Millisecond)
	if h.reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", h.reg.Len())
	}
}

func TestHeartbeatAck(t *testing.T) {
	h := newHarness(t, fastOptions())
	c, _ := h.identify("alice-token")

	c.send(t, map[string]any{"op": OpHeartbeat, "d": 1})
	f := c.conn.next(t)
	if f.Op != OpHeartbeatAck {
		t.Fatalf("op = %d, want HeartbeatAck", f.Op)
	}
	if f.S != nil {
		t.Fatal("heartbeat ack must not carry a sequence number")
	}
}

func TestHeartbeatBeforeIdentifyIgnored(t *testing.T) {
	h := newHarness(t, fastOptions())
	c := h.connect()

	c.send(t, map[string]any{"op": OpHeartbeat, "d": nil})
	c.conn.expectNone(t, 50*time.Millisecond)
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	opts := fastOptions()
	opts.HeartbeatTimeout = 60 * time.Millisecond
	opts.HeartbeatCheck = 20 * time.Millisecond
	h := newHarness(t, opts)
	c, _ := h.identify("alice-token")

	c.waitClosed(t)
	if !c.conn.closed() {
		t.Fatal("socket not closed")
	}
	if h.reg.Len() != 0 || h.reg.TopicCount() != 0 {
		t.Fatalf("registry not cleaned: sessions=%d topics=%d", h.reg.Len(), h.reg.TopicCount())
	}
	if h.presence.online("alice") {
		t.Fatal("alice should be offline")
	}
	if subs, unsubs := h.broker.counts(string(DMTopic("alice"))); subs != 1 || unsubs != 1 {
		t.Fatalf("dm topic subs=%d unsubs=%d, want 1/1", subs, unsubs)
	}
}

func TestHeartbeatsKeepSessionAlive(t *testing.T) {
	opts := fastOptions()
	opts.HeartbeatTimeout = 150 * time.Millisecond
	opts.HeartbeatCheck = 20 * time.Millisecond
	h := newHarness(t, opts)
	c, _ := h.identify("alice-token")

	for range 6 {
		time.Sleep(50 * time.Millisecond)
		c.send(t, map[string]any{"op": OpHeartbeat, "d": nil})
		if f := c.conn.next(t); f.Op != OpHeartbeatAck {
			t.Fatalf("op = %d, want HeartbeatAck", f.Op)
		}
	}
	select {
	case <-c.done:
		t.Fatal("session closed despite heartbeats")
	default:
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	h := newHarness(t, fastOptions())
	c := h.connect()

	c.in <- []byte("not json")
	c.in <- []byte(`{"op":99,"d":{}}`)
	c.in <- []byte(`{"d":{"token":"alice-token"}}`)
	c.in <- []byte(`{"op":2}`)
	c.conn.expectNone(t, 50*time.Millisecond)

	c.send(t, map[string]any{"op": OpIdentify, "d": map[string]any{"token": "alice-token"}})
	f := c.conn.next(t)
	if f.T != EventReady {
		t.Fatalf("t = %q, want READY", f.T)
	}
}

func TestResumeAnsweredWithInvalidSession(t *testing.T) {
	h := newHarness(t, fastOptions())
	c := h.connect()

	c.send(t, map[string]any{"op": OpResume, "d": map[string]any{"token": "alice-token", "sessionId": "old", "seq": 4}})
	f := c.conn.next(t)
	if f.Op != OpInvalidSession || string(f.D) != "false" {
		t.Fatalf("got op=%d d=%s", f.Op, f.D)
	}
	select {
	case <-c.done:
		t.Fatal("resume must leave the connection open for identify")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseReleasesTopicsOnLastLeave(t *testing.T) {
	h := newHarness(t, fastOptions())
	alice, _ := h.identify("alice-token")
	bob, _ := h.identify("bob-token")
	shared := string(ServerTopic("s1"))

	alice.conn.Close()
	alice.waitClosed(t)
	if !h.broker.subscribed(shared) {
		t.Fatal("shared topic dropped while bob still listens")
	}
	if h.broker.subscribed(string(ServerTopic("s2"))) {
		t.Fatal("alice-only topic still subscribed")
	}

	bob.conn.Close()
	bob.waitClosed(t)
	if h.broker.subscribed(shared) {
		t.Fatal("shared topic still subscribed after last leave")
	}
	if subs, _ := h.broker.counts(shared); subs != 1 {
		t.Fatalf("shared topic subscribed %d times, want 1", subs)
	}
}

func TestDispatchSequencePerSession(t *testing.T) {
	h := newHarness(t, fastOptions())
	a1, _ := h.identify("alice-token")
	a2, _ := h.identify("alice-token")
	ctx := context.Background()

	for i, want := range []uint64{2, 3} {
		if err := h.bridge.Publish(ctx, ServerTopic("s1"), EventMessageCreate, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
		for _, c := range []*client{a1, a2} {
			f := c.conn.next(t)
			if f.Op != OpDispatch || f.T != EventMessageCreate {
				t.Fatalf("got op=%d t=%q", f.Op, f.T)
			}
			if f.S == nil || *f.S != want {
				t.Fatalf("seq = %v, want %d", f.S, want)
			}
		}
	}
}

func TestDispatchOnlyToSubscribers(t *testing.T) {
	h := newHarness(t, fastOptions())
	alice, _ := h.identify("alice-token")
	bob, _ := h.identify("bob-token")

	if err := h.bridge.Publish(context.Background(), ServerTopic("s2"), EventChannelCreate, map[string]string{"id": "c1"}); err != nil {
		t.Fatal(err)
	}
	if f := alice.conn.next(t); f.T != EventChannelCreate {
		t.Fatalf("alice got %q", f.T)
	}
	bob.conn.expectNone(t, 50*time.Millisecond)
}

func TestSlowSessionKicked(t *testing.T) {
	h := newHarness(t, fastOptions())
	c, _ := h.identify("alice-token")
	c.conn.setFull(true)

	if err := h.bridge.Publish(context.Background(), DMTopic("alice"), EventMessageCreate, map[string]string{}); err != nil {
		t.Fatal(err)
	}
	c.waitClosed(t)
	if h.reg.Len() != 0 {
		t.Fatal("kicked session still registered")
	}
}

func TestSlowPresenceDoesNotBlockDispatch(t *testing.T) {
	h := newHarness(t, fastOptions())
	bob, _ := h.identify("bob-token")

	release := h.presence.stall()
	defer release()

	alice := h.connect()
	alice.send(t, map[string]any{"op": OpIdentify, "d": map[string]any{"token": "alice-token"}})
	select {
	case <-h.presence.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("presence connect never called")
	}
	if f := alice.conn.next(t); f.T != EventReady {
		t.Fatalf("alice got %q before presence finished, want READY", f.T)
	}

	published := make(chan error, 1)
	go func() {
		published <- h.bridge.Publish(context.Background(), ServerTopic("s1"), EventMessageCreate, map[string]string{"id": "m1"})
	}()
	select {
	case err := <-published:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("publish blocked behind a pending presence connect")
	}
	if f := bob.conn.next(t); f.T != EventMessageCreate {
		t.Fatalf("bob got %q", f.T)
	}
	if f := alice.conn.next(t); f.T != EventMessageCreate {
		t.Fatalf("alice got %q", f.T)
	}

	release()
	waitUntil(t, "alice online", func() bool { return h.presence.online("alice") })
}
