// Package memory provides a process-local session store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/tokenmeter/internal/storage"
)

type entry struct {
	session   storage.MeteringSession
	expiresAt time.Time
}

// SessionStore keeps metered sessions in a map guarded by a mutex.
// Sessions are lost on restart.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*entry),
	}
}

// Create stores a new session.
func (s *SessionStore) Create(ctx context.Context, session storage.MeteringSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = &entry{
		session:   session,
		expiresAt: expiry(session.LastChargeAt, ttl),
	}
	return nil
}

// Get returns a copy of the session.
func (s *SessionStore) Get(ctx context.Context, id string) (*storage.MeteringSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	session := e.session
	return &session, nil
}

// Delete removes a session and reports whether it existed.
func (s *SessionStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return true, nil
}

// AdvanceCharge swaps LastChargeAt from -> to if the stored value still equals from.
func (s *SessionStore) AdvanceCharge(ctx context.Context, id string, from, to time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	if !e.session.LastChargeAt.Equal(from) {
		return false, nil
	}

	e.session.LastChargeAt = to
	e.expiresAt = expiry(to, ttl)
	return true, nil
}

// DeleteIdleBefore removes sessions whose expiry is before cutoff.
func (s *SessionStore) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, e := range s.sessions {
		if e.expiresAt.IsZero() || !e.expiresAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		deleted++
	}
	return deleted, nil
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), nil
}

// expiry returns the zero time when ttl is not positive, meaning "never".
func expiry(from time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return from.Add(ttl)
}

var _ storage.SessionStore = (*SessionStore)(nil)
