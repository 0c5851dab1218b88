package sfu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/cordis/internal/domain"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/rs/zerolog/log"
)

const joinAttempts = 3

// Rooms keys live rooms by channel. A room exists exactly while it has
// peers; the last leave closes and forgets it.
type Rooms struct {
	pool     *Pool
	maxPeers int

	mu    sync.RWMutex
	rooms map[domain.ChannelID]*Room
}

func NewRooms(pool *Pool, maxPeers int) *Rooms {
	return &Rooms{
		pool:     pool,
		maxPeers: maxPeers,
		rooms:    make(map[domain.ChannelID]*Room),
	}
}

// Join puts p into the channel's room, creating the room on a worker
// when needed. It returns the room, the members already present and
// their producers.
func (rs *Rooms) Join(ctx context.Context, channelID domain.ChannelID, p *Peer) (*Room, []domain.Member, []ProducerInfo, error) {
	for range joinAttempts {
		room, err := rs.getOrCreate(ctx, channelID)
		if err != nil {
			return nil, nil, nil, err
		}
		members, producers, err := room.AddPeer(p)
		if errors.Is(err, ErrRoomClosed) {
			// Lost a race with the last leave; the next lookup creates a fresh room.
			rs.forget(room)
			continue
		}
		if err != nil {
			return nil, nil, nil, err
		}
		return room, members, producers, nil
	}
	return nil, nil, nil, ErrRoomClosed
}

func (rs *Rooms) getOrCreate(ctx context.Context, channelID domain.ChannelID) (*Room, error) {
	rs.mu.RLock()
	room, ok := rs.rooms[channelID]
	rs.mu.RUnlock()
	if ok {
		return room, nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if room, ok = rs.rooms[channelID]; ok {
		return room, nil
	}
	w, err := rs.pool.Acquire()
	if err != nil {
		return nil, err
	}
	router, err := w.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("create router on worker %d: %w", w.ID(), err)
	}
	room = newRoom(channelID, w.ID(), router, rs.maxPeers)
	rs.rooms[channelID] = room
	metrics.VoiceRooms.Set(float64(len(rs.rooms)))
	log.Info().Str("module", "sfu.rooms").Str("channel", string(channelID)).Int("worker", w.ID()).Msg("room created")
	return room, nil
}

// Leave removes the peer and tears the room down if it became empty.
func (rs *Rooms) Leave(room *Room, peerID domain.PeerID) {
	room.RemovePeer(peerID)
	if room.closeIfEmpty() {
		rs.forget(room)
		room.shutdown()
	}
}

func (rs *Rooms) forget(room *Room) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if cur, ok := rs.rooms[room.ChannelID]; ok && cur == room {
		delete(rs.rooms, room.ChannelID)
		metrics.VoiceRooms.Set(float64(len(rs.rooms)))
	}
}

func (rs *Rooms) Get(channelID domain.ChannelID) (*Room, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	room, ok := rs.rooms[channelID]
	return room, ok
}

func (rs *Rooms) List() []domain.RoomInfo {
	rs.mu.RLock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		rooms = append(rooms, r)
	}
	rs.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	slices.SortFunc(out, func(a, b domain.RoomInfo) int {
		return strings.Compare(string(a.ChannelID), string(b.ChannelID))
	})
	return out
}

// Run closes the rooms of every worker the pool reports dead, until ctx
// is done.
func (rs *Rooms) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case workerID := <-rs.pool.Deaths():
			rs.evictWorker(workerID, "media worker died")
		}
	}
}

func (rs *Rooms) evictWorker(workerID int, reason string) {
	rs.mu.Lock()
	var victims []*Room
	for id, r := range rs.rooms {
		if r.WorkerID == workerID {
			victims = append(victims, r)
			delete(rs.rooms, id)
		}
	}
	metrics.VoiceRooms.Set(float64(len(rs.rooms)))
	rs.mu.Unlock()

	for _, r := range victims {
		r.evict(reason)
		r.shutdown()
	}
	if len(victims) > 0 {
		log.Warn().Str("module", "sfu.rooms").Int("worker", workerID).Int("rooms", len(victims)).Msg("closed rooms of dead worker")
	}
}

// CloseAll evicts every room, used on shutdown.
func (rs *Rooms) CloseAll(reason string) {
	rs.mu.Lock()
	victims := make([]*Room, 0, len(rs.rooms))
	for _, r := range rs.rooms {
		victims = append(victims, r)
	}
	clear(rs.rooms)
	metrics.VoiceRooms.Set(0)
	rs.mu.Unlock()

	for _, r := range victims {
		r.evict(reason)
		r.shutdown()
	}
}
