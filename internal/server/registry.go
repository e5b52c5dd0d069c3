// Package server tracks live sessions in a Registry, the single shared
// structure all connection handlers, broadcasts, and the reaper synchronize
// on.
package server

import (
	"fmt"
	"log"
	"sync"
)

// Registry is the concurrent collection of live sessions, keyed by session
// id. All mutation and snapshot acquisition serialize through its lock; use
// of a snapshot happens outside the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register inserts a session. Inserting a duplicate session id is an
// invariant violation and is rejected with an error; ids are generated, so
// this only fires on programmer error.
func (r *Registry) Register(s *Session) error {
	if s == nil {
		return fmt.Errorf("nil session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("duplicate session id %s", s.id)
	}
	s.closed = false
	r.sessions[s.id] = s
	return nil
}

// Unregister removes a session by id and reports whether it was present.
// Removing an absent id is a no-op, so teardown stays idempotent across
// concurrent exit paths. The caller owns closing the session's send channel,
// exactly once, when true is returned.
func (r *Registry) Unregister(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	s.closed = true
	return s, true
}

// Snapshot returns a point-in-time view of all live sessions for iteration
// outside the lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// SnapshotRoom returns a point-in-time view of the authenticated sessions
// currently in the given room. Membership is derived here, never cached.
func (r *Registry) SnapshotRoom(roomID string) []*Session {
	if roomID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var members []*Session
	for _, s := range r.sessions {
		if s.IsAuthenticated() && s.RoomID() == roomID {
			members = append(members, s)
		}
	}
	return members
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send enqueues a payload on a session's outbound queue if the session is
// still registered and open. It never blocks; a full queue is a failed send.
func (r *Registry) Send(s *Session, payload []byte) bool {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Recovered from panic in registry send: %v", rec)
		}
	}()

	// Hold the lock during the entire send so the channel cannot be closed
	// out from under the select.
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered, exists := r.sessions[s.id]
	if !exists || registered != s || s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}
