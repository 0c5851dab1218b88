package gateway

import (
	"sync"

	"github.com/dkeye/cordis/internal/core"
	"github.com/dkeye/cordis/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Registry maps topics to the local sessions subscribed to them.
//
// The first subscriber of a topic runs onFirst and the last one to leave
// runs onLast, both while the registry lock is held, so a broker
// subscription exists exactly while the local set is non-empty.
type Registry struct {
	mu       sync.Mutex
	sessions map[core.SessionID]*Session
	topics   map[Topic]map[core.SessionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*Session),
		topics:   make(map[Topic]map[core.SessionID]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	metrics.GatewaySessions.Set(float64(len(r.sessions)))
	log.Info().Str("module", "gateway.registry").Str("sid", string(s.ID)).Str("user", string(s.UserID)).Msg("session registered")
}

func (r *Registry) Get(sid core.SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Subscribe adds s to topic. When s is the first local subscriber onFirst
// runs; if it fails the topic is left untouched and the error returned.
func (r *Registry) Subscribe(s *Session, topic Topic, onFirst func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return ErrSessionClosed
	}
	set, ok := r.topics[topic]
	if !ok {
		if onFirst != nil {
			if err := onFirst(); err != nil {
				return err
			}
		}
		set = make(map[core.SessionID]*Session)
		r.topics[topic] = set
		metrics.GatewayTopics.Set(float64(len(r.topics)))
	}
	set[s.ID] = s
	s.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes s from topic, running onLast if the set empties.
func (r *Registry) Unsubscribe(s *Session, topic Topic, onLast func(Topic)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(s.ID, topic, onLast)
	delete(s.topics, topic)
}

// Remove drops the session from every topic it joined and forgets it.
// It is safe to call more than once.
func (r *Registry) Remove(sid core.SessionID, onLast func(Topic)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sid]
	if !ok {
		return
	}
	for topic := range s.topics {
		r.unsubscribeLocked(sid, topic, onLast)
	}
	clear(s.topics)
	delete(r.sessions, sid)
	metrics.GatewaySessions.Set(float64(len(r.sessions)))
	log.Info().Str("module", "gateway.registry").Str("sid", string(sid)).Msg("session removed")
}

func (r *Registry) unsubscribeLocked(sid core.SessionID, topic Topic, onLast func(Topic)) {
	set, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(set, sid)
	if len(set) > 0 {
		return
	}
	delete(r.topics, topic)
	metrics.GatewayTopics.Set(float64(len(r.topics)))
	if onLast != nil {
		onLast(topic)
	}
}

// Sessions returns a snapshot of the sessions subscribed to topic.
func (r *Registry) Sessions(topic Topic) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.topics[topic]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// SubscriberCount returns how many local sessions listen on topic.
func (r *Registry) SubscriberCount(topic Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
