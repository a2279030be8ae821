package primitive

import (
	"sort"
)

// SessionState represents the lifecycle state of a client session
type SessionState int

const (
	SessionActive SessionState = iota
	SessionExpired
	SessionClosed
)

// String returns the lowercase state name
func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives events published to a session.
type Sink func(sessionID uint64, event string, payload []byte)

// Session is a live client session as observed on the total order.
// Transitions arrive as state machine callbacks; a session that is no
// longer Active silently drops every publish.
type Session struct {
	id    uint64
	state SessionState
	sink  Sink
}

// NewSession returns an Active session with the given id.
func NewSession(id uint64) *Session {
	return &Session{id: id, state: SessionActive}
}

// ID returns the session identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Active reports whether the session can still receive events.
func (s *Session) Active() bool {
	return s.state == SessionActive
}

// Expire transitions the session to Expired.
func (s *Session) Expire() {
	if s.state == SessionActive {
		s.state = SessionExpired
	}
}

// Close transitions the session to Closed.
func (s *Session) Close() {
	if s.state == SessionActive {
		s.state = SessionClosed
	}
}

// Bind attaches the event sink. The substrate binds the sink when the
// session registers; state machines never touch it directly.
func (s *Session) Bind(sink Sink) {
	s.sink = sink
}

// Publish delivers a named event to the session's client. A no-op when
// the session is not Active or no sink is bound.
func (s *Session) Publish(event string, payload []byte) {
	if s.state != SessionActive || s.sink == nil {
		return
	}
	s.sink(s.id, event, payload)
}

// Registry tracks every session the substrate has delivered on the
// total order. The registry is itself replicated state: open, expire
// and close all arrive as log commands, so every replica holds an
// identical registry after any prefix of the log.
type Registry struct {
	sessions map[uint64]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Open registers a new Active session. Reopening an id returns the
// existing session unchanged.
func (r *Registry) Open(id uint64) *Session {
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := NewSession(id)
	r.sessions[id] = s
	return s
}

// Lookup returns the session with the given id, or nil.
func (r *Registry) Lookup(id uint64) *Session {
	return r.sessions[id]
}

// Expire marks the session expired and returns it, or nil if unknown.
func (r *Registry) Expire(id uint64) *Session {
	s := r.sessions[id]
	if s != nil {
		s.Expire()
		delete(r.sessions, id)
	}
	return s
}

// Close marks the session closed and returns it, or nil if unknown.
func (r *Registry) Close(id uint64) *Session {
	s := r.sessions[id]
	if s != nil {
		s.Close()
		delete(r.sessions, id)
	}
	return s
}

// Reset empties the registry in place, keeping every holder of the
// pointer valid. Used when restoring from a snapshot.
func (r *Registry) Reset() {
	r.sessions = make(map[uint64]*Session)
}

// IDs returns the ids of all registered sessions in ascending order.
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}
