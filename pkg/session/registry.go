package session

import (
	"sync"
	"time"

	"github.com/marmos91/profileserver/internal/logger"
)

// Registry tracks every live session so the keep-alive reaper and
// graceful shutdown can reach them without the accept loop's goroutines
// needing a back-reference to each other.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ReapExpired closes every session whose keep-alive deadline has
// passed. Intended to be called periodically by a reaper goroutine.
func (r *Registry) ReapExpired(now time.Time) int {
	reaped := 0
	for _, s := range r.snapshot() {
		if s.Expired(now) {
			logger.Debug("session: reaping expired connection", "address", s.RemoteAddr())
			s.Close()
			r.Remove(s)
			reaped++
		}
	}
	return reaped
}

// CloseAll force-closes every tracked session, used during shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Close()
	}
}

// RunReaper blocks, closing expired sessions every interval, until
// stop is closed.
func RunReaper(r *Registry, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if n := r.ReapExpired(now); n > 0 {
				logger.Debug("session: reaper closed expired sessions", "count", n)
			}
		}
	}
}
