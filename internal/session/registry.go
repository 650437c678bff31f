package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Registry owns the id -> session map. Create, End and SweepIdle are
// serialized against each other so an id can never be inserted or
// removed twice.
type Registry struct {
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create inserts a fresh empty session and returns it.
func (r *Registry) Create() *Session {
	s := newSession(newSessionID())

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("session created", "session_id", s.ID)
	}
	return s
}

// Get looks up a live session. Ended sessions are indistinguishable from
// absent ones.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.Ended() {
		return nil, false
	}
	return s, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnCount returns the total number of attached connections across all
// sessions.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		n += s.ConnCount()
	}
	return n
}

type endedNotice struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// End terminates a session: it is marked ended and removed from the map,
// then every connection that was attached receives an ended notice and
// is closed. Idempotent; ending an unknown id is a no-op. Send and close
// failures on individual connections are swallowed.
func (r *Registry) End(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	conns := s.end()

	payload, err := json.Marshal(endedNotice{Type: "ended", Reason: reason})
	if err != nil {
		payload = nil
	}
	for _, c := range conns {
		if payload != nil {
			c.Send(payload)
		}
		c.Close()
	}

	if r.logger != nil {
		r.logger.Info("session ended", "session_id", id, "reason", reason, "connections", len(conns))
	}
}

// SweepIdle retires every session that has no connections and has been
// idle at least threshold relative to now. Sessions with attached
// connections are never retired here, however old. Returns the retired
// ids.
func (r *Registry) SweepIdle(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	var retired []string
	for id, s := range r.sessions {
		if !s.idleSince(now, threshold) {
			continue
		}
		s.end()
		delete(r.sessions, id)
		retired = append(retired, id)
	}
	r.mu.Unlock()
	return retired
}
