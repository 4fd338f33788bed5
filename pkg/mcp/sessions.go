package mcp

import "sync"

// SessionRegistry maps actor IDs (approvers, agents) to MCP session IDs.
// Populated when a tool call carries actor_id or approver_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // actorID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an actor ID with a session ID, replacing any earlier one.
func (r *SessionRegistry) Register(actorID, sessionID string) {
	if actorID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actorID] = sessionID
}

// SessionFor returns the session ID for the given actor, if connected.
func (r *SessionRegistry) SessionFor(actorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actorID]
	return sid, ok
}

// Remove deletes all actor mappings for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}

// Len reports how many actors are mapped.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
