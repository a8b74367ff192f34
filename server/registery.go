package server

import (
	"slices"
	"strings"
	"sync"
)

// SessionInfo is a read-only view of a session for operators.
type SessionInfo struct {
	ID     string   `json:"id"`
	Kind   string   `json:"kind"`
	State  string   `json:"state"`
	Addr   string   `json:"addr"`
	Topics []string `json:"topics"`
}

func Describe(s Session) SessionInfo {
	return SessionInfo{
		ID:     s.ID(),
		Kind:   s.Kind().String(),
		State:  s.State().String(),
		Addr:   s.RemoteAddr(),
		Topics: s.Topics(),
	}
}

type SessionRegistry struct {
	mu    sync.RWMutex
	store map[string]Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{store: make(map[string]Session)}
}

func (r *SessionRegistry) Store(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[s.ID()] = s
}

func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	val, ok := r.store[id]
	return val, ok
}

func (r *SessionRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.store, id)
}

// List returns the sessions ordered by id.
func (r *SessionRegistry) List() []Session {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.store))
	for _, s := range r.store {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b Session) int { return strings.Compare(a.ID(), b.ID()) })
	return sessions
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

// CountKind returns the number of sessions of one kind.
func (r *SessionRegistry) CountKind(kind SessionKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.store {
		if s.Kind() == kind {
			n++
		}
	}
	return n
}

// CloseAll closes every registered session and empties the registry.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.store))
	for _, s := range r.store {
		sessions = append(sessions, s)
	}
	clear(r.store)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
