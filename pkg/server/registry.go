package server

import (
	"sync"

	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/session"
)

// SessionRegistry tracks every live session of a hosted identity that
// has checked in (Authenticated status), keyed by identity id, so
// CallIdentityApplicationService can find a callee's connection to push
// an IncomingCallNotification over (spec.md §4.D). A session registers
// on a successful CheckIn and unregisters on disconnect; a later registration for the same identity
// (a client reconnecting) replaces the earlier one.
type SessionRegistry struct {
	mu    sync.RWMutex
	byID  map[identity.ID]*session.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byID: make(map[identity.ID]*session.Session)}
}

// Register associates id with sess, replacing any prior session
// registered under the same id.
func (r *SessionRegistry) Register(id identity.ID, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = sess
}

// Unregister removes id's entry, but only if it still points at sess —
// a stale Unregister from a connection that was already superseded by a
// reconnect must not evict the newer session.
func (r *SessionRegistry) Unregister(id identity.ID, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[id] == sess {
		delete(r.byID, id)
	}
}

// Lookup returns the live session registered for id, if any.
func (r *SessionRegistry) Lookup(id identity.ID) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}
