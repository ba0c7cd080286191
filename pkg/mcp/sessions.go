package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry tracks the agents that started asynchronous executions:
// the MCP session each agent last called from, and the executions it is
// still waiting on.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]string              // agent -> session
	pending  map[string]map[string]struct{} // agent -> execution IDs
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		pending:  make(map[string]map[string]struct{}),
	}
}

// Bind records sessionID as the live session of agentID.
func (r *SessionRegistry) Bind(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the live session of agentID.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Unbind forgets every agent bound to sessionID. Their pending executions
// are kept; a later call from a new session picks them up again.
func (r *SessionRegistry) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agent, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, agent)
		}
	}
}

// Watch marks executionID as pending for agentID.
func (r *SessionRegistry) Watch(agentID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.pending[agentID]
	if !ok {
		set = make(map[string]struct{})
		r.pending[agentID] = set
	}
	set[executionID] = struct{}{}
}

// Release removes executionID from the pending set of agentID.
func (r *SessionRegistry) Release(agentID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.pending[agentID]
	delete(set, executionID)
	if len(set) == 0 {
		delete(r.pending, agentID)
	}
}

// Pending returns the executions agentID is still waiting on, sorted.
func (r *SessionRegistry) Pending(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending[agentID]))
	for id := range r.pending[agentID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
