package dispatch

import (
	"sync"
	"time"
)

// session binds a registered participant to their push connection.
// MatchID tracks the live match whose update subject the participant is
// subscribed to, so the subscription can be dropped on unbind.
type session struct {
	ParticipantID string
	ConnID        string
	Name          string
	Round         int
	Group         string
	MatchID       string
	RegisteredAt  time.Time
}

// sessionTable is the in-memory map of registered participants, indexed
// both ways. A participant has at most one session; re-registering from a
// new connection replaces the old binding.
type sessionTable struct {
	mu            sync.RWMutex
	byParticipant map[string]*session
	byConn        map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byParticipant: make(map[string]*session),
		byConn:        make(map[string]*session),
	}
}

// put registers a session and returns the connection ID of any previous
// session the participant had, or "" when this is a fresh registration.
func (t *sessionTable) put(s *session) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var replaced string
	if old, ok := t.byParticipant[s.ParticipantID]; ok && old.ConnID != s.ConnID {
		replaced = old.ConnID
		delete(t.byConn, old.ConnID)
	}
	if prev, ok := t.byConn[s.ConnID]; ok && prev.ParticipantID != s.ParticipantID {
		// The connection switched identity; drop the stale binding.
		delete(t.byParticipant, prev.ParticipantID)
	}

	t.byParticipant[s.ParticipantID] = s
	t.byConn[s.ConnID] = s
	return replaced
}

// byConnID returns the session bound to a connection, or nil.
func (t *sessionTable) byConnID(connID string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byConn[connID]
}

// byParticipantID returns a participant's session, or nil.
func (t *sessionTable) byParticipantID(participantID string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byParticipant[participantID]
}

// setMatch records the participant's current live match and returns the
// previously recorded match id, so the caller can drop the old update
// subscription when a new match replaces it.
func (t *sessionTable) setMatch(participantID, matchID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byParticipant[participantID]
	if !ok {
		return ""
	}
	prev := s.MatchID
	s.MatchID = matchID
	return prev
}

// removeByConn unbinds and returns the session for a connection, or nil.
func (t *sessionTable) removeByConn(connID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byConn[connID]
	if !ok {
		return nil
	}
	delete(t.byConn, connID)
	delete(t.byParticipant, s.ParticipantID)
	return s
}

// count returns the number of registered sessions.
func (t *sessionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byParticipant)
}

// all returns a snapshot of the current sessions.
func (t *sessionTable) all() []*session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*session, 0, len(t.byParticipant))
	for _, s := range t.byParticipant {
		out = append(out, s)
	}
	return out
}
