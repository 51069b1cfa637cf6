package flowstate

import (
	"errors"
	"time"
)

// PendingRequest is the ephemeral record created when a login is initiated.
// It must be consumed by exactly one callback; replaying the same state is
// rejected.
type PendingRequest struct {
	State        string
	Nonce        string
	CodeVerifier string
	ReturnURL    string
	CreatedAt    time.Time
}

// ErrNotFound is returned when a state has no live pending request: unknown,
// already consumed, or expired. Callers treat all three identically.
var ErrNotFound = errors.New("pending authorization request not found")

type Repo interface {
	// Create stores a new pending request keyed by its state value.
	Create(req *PendingRequest) error

	// Consume atomically retrieves and removes the pending request for the
	// given state. A second Consume for the same state returns ErrNotFound.
	Consume(state string) (*PendingRequest, error)
}
