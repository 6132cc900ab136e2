package server

import (
	"sync"
)

// registry maintains the sessionID → session table. It lets shutdown reach
// every live control connection and backs the active-session count.
type registry struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uint32]*Session)}
}

// register adds s. A colliding hash keeps the newer entry; IDs only tag
// log lines.
func (r *registry) register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// unregister removes s if it is still the registered holder of its ID.
func (r *registry) unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// closeAll closes every registered control connection.
func (r *registry) closeAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.ctrl.Close()
	}
}
