package sfu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/cordis/internal/app/sfu/sfutest"
	"github.com/dkeye/cordis/internal/domain"
)

type push struct {
	method string
	data   any
}

type recorder struct {
	mu    sync.Mutex
	items []push
}

func (r *recorder) Notify(method string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, push{method: method, data: data})
}

func (r *recorder) all(method string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, p := range r.items {
		if p.method == method {
			out = append(out, p.data)
		}
	}
	return out
}

func (r *recorder) count(method string) int {
	return len(r.all(method))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRooms(t *testing.T, workers, maxPeers int) (*Rooms, *sfutest.Factory) {
	t.Helper()
	f := &sfutest.Factory{}
	pool, err := NewPool(context.Background(), workers, 10*time.Millisecond, f.New)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	rooms := NewRooms(pool, maxPeers)
	t.Cleanup(func() {
		rooms.CloseAll("test done")
		pool.Close()
	})
	return rooms, f
}

type testPeer struct {
	*Peer
	rec *recorder
}

func join(t *testing.T, rooms *Rooms, channel domain.ChannelID, id domain.PeerID) (*Room, testPeer) {
	t.Helper()
	rec := &recorder{}
	p := NewPeer(id, domain.UserID("user-"+string(id)), rec)
	room, _, _, err := rooms.Join(context.Background(), channel, p)
	if err != nil {
		t.Fatalf("Join(%s): %v", id, err)
	}
	return room, testPeer{Peer: p, rec: rec}
}

func fakeRouter(t *testing.T, room *Room) *sfutest.Router {
	t.Helper()
	r, ok := room.router.(*sfutest.Router)
	if !ok {
		t.Fatalf("router is %T", room.router)
	}
	return r
}
