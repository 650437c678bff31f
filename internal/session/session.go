package session

import (
	"sync"
	"time"
)

const DefaultLanguage = "python"

// Conn is the write side of an attached participant. Send reports false
// when the payload could not be handed to the connection (closed or
// backed up); Close is safe to call more than once.
type Conn interface {
	Send(payload []byte) bool
	Close()
}

// Session is one shared editing room: a single code buffer, a selected
// language, and the set of attached connections. All fields are guarded
// by the session's own mutex; the registry never reaches into them
// without going through these accessors.
type Session struct {
	ID string

	mu         sync.Mutex
	language   string
	code       string
	conns      map[Conn]struct{}
	lastActive time.Time
	ended      bool
}

func newSession(id string) *Session {
	return &Session{
		ID:         id,
		language:   DefaultLanguage,
		conns:      make(map[Conn]struct{}),
		lastActive: time.Now(),
	}
}

// Snapshot returns the current language and code as one consistent read.
func (s *Session) Snapshot() (language, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language, s.code
}

// SetCode replaces the whole buffer (last writer wins) and refreshes the
// idle clock.
func (s *Session) SetCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.code = code
	s.lastActive = time.Now()
}

func (s *Session) SetLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.language = language
	s.lastActive = time.Now()
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// Attach adds a connection. It reports false when the session ended
// between lookup and attach, in which case the caller must not proceed.
func (s *Session) Attach(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

// Detach removes a connection. When the last connection leaves, the idle
// clock restarts so the reaper measures from this moment.
func (s *Session) Detach(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if len(s.conns) == 0 {
		s.lastActive = time.Now()
	}
}

// Conns returns a snapshot of the attached connections, excluding skip
// if non-nil. Fan-out iterates the snapshot outside the lock so sends
// never block other mutations.
func (s *Session) Conns(skip Conn) []Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		if c == skip {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ConnCount returns the number of attached connections.
func (s *Session) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// end marks the session terminal and hands back the captured connection
// set in one critical section. Further mutation is refused afterwards.
func (s *Session) end() []Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[Conn]struct{})
	return conns
}

// idleSince reports whether the session has no connections and has been
// idle at least threshold relative to now.
func (s *Session) idleSince(now time.Time, threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) == 0 && now.Sub(s.lastActive) >= threshold
}

// backdate shifts lastActive into the past. Test hook for expiry paths.
func (s *Session) backdate(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.lastActive.Add(-d)
}
