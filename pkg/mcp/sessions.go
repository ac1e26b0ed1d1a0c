package mcp

import "sync"

// SessionRegistry maps run ids to the MCP session that started them, so run
// progress can be pushed back to the right client. Entries are added when a
// session starts a run and dropped when the run reaches a terminal event or
// the session disconnects.
type SessionRegistry struct {
	mu   sync.RWMutex
	runs map[string]string // run id → session id
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{runs: make(map[string]string)}
}

// Register associates a run with the session that started it.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = sessionID
}

// SessionFor returns the session that owns the given run, if any.
func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.runs[runID]
	return sid, ok
}

// Drop removes one run's mapping. Called when the run ends.
func (r *SessionRegistry) Drop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Remove deletes every run mapped to the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.runs {
		if sid == sessionID {
			delete(r.runs, id)
		}
	}
}
