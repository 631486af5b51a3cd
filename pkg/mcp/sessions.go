package mcp

import "sync"

// SessionRegistry maps actors to MCP session IDs.
// Populated when an actor starts a run or decides a request.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // actor → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an actor with a session ID. A reconnecting actor
// replaces its previous session.
func (r *SessionRegistry) Register(actor, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actor] = sessionID
}

// SessionFor returns the session ID for the given actor, if connected.
func (r *SessionRegistry) SessionFor(actor string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actor]
	return sid, ok
}

// Remove deletes every actor mapped to the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, actor)
		}
	}
}
