package sessions

import "time"

// Repo defines the storage interface for session records. The in-memory
// implementation is the default; a shared deployment can swap in a persistent
// one without touching the Store.
type Repo interface {
	// Upsert creates or updates a session keyed by its id
	Upsert(sessionID string, session *Session) error

	// Get retrieves a session by id
	Get(sessionID string) (*Session, error)

	// Delete removes a session by id; deleting a missing session is not an error
	Delete(sessionID string) error

	// DeleteExpired removes sessions whose absolute expiry is at or before now
	// and returns how many were removed
	DeleteExpired(now time.Time) int

	// Count returns the number of stored sessions, expired or not
	Count() int
}
