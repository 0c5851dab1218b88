package gateway

import (
	"errors"
	"testing"
)

func TestRegistryRefcountsTopics(t *testing.T) {
	reg := NewRegistry()
	a := newSession("a", "alice", newFakeConn())
	b := newSession("b", "bob", newFakeConn())
	reg.Add(a)
	reg.Add(b)

	var firsts, lasts int
	onFirst := func() error { firsts++; return nil }
	onLast := func(Topic) { lasts++ }

	topic := ServerTopic("s1")
	for _, s := range []*Session{a, b} {
		if err := reg.Subscribe(s, topic, onFirst); err != nil {
			t.Fatal(err)
		}
	}
	if firsts != 1 {
		t.Fatalf("onFirst ran %d times, want 1", firsts)
	}
	if n := reg.SubscriberCount(topic); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	reg.Unsubscribe(a, topic, onLast)
	if lasts != 0 {
		t.Fatal("onLast ran with a subscriber left")
	}
	reg.Remove(b.ID, onLast)
	if lasts != 1 {
		t.Fatalf("onLast ran %d times, want 1", lasts)
	}
	if reg.TopicCount() != 0 {
		t.Fatalf("topics = %d, want 0", reg.TopicCount())
	}

	// Removing twice is a no-op.
	reg.Remove(b.ID, onLast)
	if lasts != 1 {
		t.Fatal("second Remove ran onLast again")
	}
}

func TestRegistrySubscribeFailureLeavesTopicAbsent(t *testing.T) {
	reg := NewRegistry()
	s := newSession("a", "alice", newFakeConn())
	reg.Add(s)

	boom := errors.New("boom")
	err := reg.Subscribe(s, DMTopic("alice"), func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if reg.TopicCount() != 0 {
		t.Fatal("failed subscribe must not create the topic")
	}

	var retried bool
	if err := reg.Subscribe(s, DMTopic("alice"), func() error { retried = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !retried {
		t.Fatal("next subscriber must retry the broker subscription")
	}
}

func TestRegistrySubscribeAfterRemove(t *testing.T) {
	reg := NewRegistry()
	s := newSession("a", "alice", newFakeConn())
	reg.Add(s)
	reg.Remove(s.ID, nil)

	if err := reg.Subscribe(s, DMTopic("alice"), nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"heartbeat null", `{"op":1,"d":null}`, nil},
		{"heartbeat seq", `{"op":1,"d":7}`, nil},
		{"identify", `{"op":2,"d":{"token":"x"}}`, nil},
		{"resume", `{"op":6,"d":{"token":"x","sessionId":"s","seq":3}}`, nil},
		{"not json", `{op`, ErrMalformedFrame},
		{"no op", `{"d":1}`, ErrMalformedFrame},
		{"identify without d", `{"op":2}`, ErrMalformedFrame},
		{"server opcode", `{"op":10,"d":{}}`, ErrUnknownOpcode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame([]byte(tt.in))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeHeartbeatSeq(t *testing.T) {
	f, err := decodeFrame([]byte(`{"op":1,"d":42}`))
	if err != nil {
		t.Fatal(err)
	}
	hb, ok := f.(heartbeatFrame)
	if !ok || hb.seq == nil || *hb.seq != 42 {
		t.Fatalf("got %#v", f)
	}
}
