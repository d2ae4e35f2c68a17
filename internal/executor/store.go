package executor

import (
	"fmt"
	"sync"
)

type storeEntry struct {
	exec     *SessionExecutor
	clientID string
}

// SessionStore tracks live executors by session id, with a
// reverse index by websocket client id so a disconnect can tear
// down everything the client owns. The event consumer is expected
// to Remove a session when its complete event arrives.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]storeEntry
	byClient map[string]map[string]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: map[string]storeEntry{},
		byClient: map[string]map[string]struct{}{},
	}
}

// Create registers a new executor for a session owned by a
// client. Fails if the session id is already live.
func (s *SessionStore) Create(sessionID, clientID string) (*SessionExecutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %s already running", sessionID)
	}
	exec := New(sessionID)
	s.sessions[sessionID] = storeEntry{exec: exec, clientID: clientID}
	if s.byClient[clientID] == nil {
		s.byClient[clientID] = map[string]struct{}{}
	}
	s.byClient[clientID][sessionID] = struct{}{}
	return exec, nil
}

// Get returns the executor for a session, nil if absent.
func (s *SessionStore) Get(sessionID string) *SessionExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID].exec
}

// Has reports whether a session is live.
func (s *SessionStore) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Remove deletes a session entry and returns its executor, nil if
// absent. The executor is not cancelled.
func (s *SessionStore) Remove(sessionID string) *SessionExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(sessionID)
}

func (s *SessionStore) removeLocked(sessionID string) *SessionExecutor {
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	if owned := s.byClient[entry.clientID]; owned != nil {
		delete(owned, sessionID)
		if len(owned) == 0 {
			delete(s.byClient, entry.clientID)
		}
	}
	return entry.exec
}

// RemoveByClient removes and cancels every session owned by a
// client. Used on websocket disconnect.
func (s *SessionStore) RemoveByClient(clientID string) []*SessionExecutor {
	s.mu.Lock()
	var removed []*SessionExecutor
	for sessionID := range s.byClient[clientID] {
		if exec := s.removeLocked(sessionID); exec != nil {
			removed = append(removed, exec)
		}
	}
	s.mu.Unlock()

	for _, exec := range removed {
		exec.Cancel()
	}
	return removed
}

// GetAll returns every live executor.
func (s *SessionStore) GetAll() []*SessionExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SessionExecutor, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, entry.exec)
	}
	return out
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
