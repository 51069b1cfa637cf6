package sessions

import (
	"errors"
	"sync"
	"time"

	autherrors "github.com/presenton/auth-service/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo.
type InMemoryRepo struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryRepo creates a new in-memory session repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions: make(map[string]*Session),
	}
}

// Upsert creates or updates a session
func (r *InMemoryRepo) Upsert(sessionID string, session *Session) error {
	if sessionID == "" {
		return errors.New("sessionID is required")
	}
	if session == nil {
		return errors.New("session is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy to prevent external modification of the stored record
	clone := *session
	clone.Roles = append([]string(nil), session.Roles...)
	r.sessions[sessionID] = &clone
	return nil
}

// Get retrieves a session by id
func (r *InMemoryRepo) Get(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, autherrors.ErrSessionNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, autherrors.ErrSessionNotFound
	}

	clone := *session
	clone.Roles = append([]string(nil), session.Roles...)
	return &clone, nil
}

// Delete removes a session; missing sessions are not an error
func (r *InMemoryRepo) Delete(sessionID string) error {
	if sessionID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
	return nil
}

// Count returns the number of stored sessions
func (r *InMemoryRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// DeleteExpired removes sessions past their absolute expiry
func (r *InMemoryRepo) DeleteExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, session := range r.sessions {
		if session.Expired(now) {
			delete(r.sessions, id)
			count++
		}
	}
	return count
}
