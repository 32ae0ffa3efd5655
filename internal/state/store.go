package state

import (
	"sort"
	"sync"
	"time"

	"github.com/danhigham/telefleet/internal/domain"
)

// Session is the observable status of one identity.
type Session struct {
	Identity    domain.Identity
	State       domain.SessionState
	Since       time.Time
	PairingCode string
}

// Store is the fleet's session table, read by the HTTP status endpoints.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.Identity]Session
}

func New() *Store {
	return &Store{sessions: make(map[domain.Identity]Session)}
}

// Track adds id in the connecting state. It returns false when id is
// already tracked.
func (s *Store) Track(id domain.Identity, since time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return false
	}
	s.sessions[id] = Session{Identity: id, State: domain.StateConnecting, Since: since}
	return true
}

func (s *Store) SetState(id domain.Identity, st domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.State = st
	if st == domain.StateOpen {
		sess.PairingCode = ""
	}
	s.sessions[id] = sess
}

func (s *Store) SetPairingCode(id domain.Identity, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.PairingCode = code
		s.sessions[id] = sess
	}
}

func (s *Store) Remove(id domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) Get(id domain.Identity) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns every tracked session, oldest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
