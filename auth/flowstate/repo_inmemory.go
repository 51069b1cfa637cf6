package flowstate

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo
// interface with TTL-based expiry and a background sweep.
type InMemoryRepo struct {
	mu       sync.Mutex
	requests map[string]*PendingRequest

	ttl         time.Duration
	nowTime     func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// InMemoryRepoOption defines a function type to modify the repo.
type InMemoryRepoOption func(*InMemoryRepo)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowTime = nowFunc
	}
}

// NewInMemoryRepo creates a new in-memory pending-request repository. Entries
// older than ttl are rejected on Consume and removed by a background sweep.
func NewInMemoryRepo(ttl time.Duration, options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		requests:    make(map[string]*PendingRequest),
		ttl:         ttl,
		nowTime:     time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}

	go r.cleanupLoop()

	return r
}

// Create stores a pending request keyed by its state value.
func (r *InMemoryRepo) Create(req *PendingRequest) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if req.State == "" {
		return errors.New("state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *req
	r.requests[req.State] = &clone
	return nil
}

// Consume atomically removes and returns the pending request for state.
// Expired entries count as not found.
func (r *InMemoryRepo) Consume(state string) (*PendingRequest, error) {
	if state == "" {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	req, exists := r.requests[state]
	if !exists {
		return nil, ErrNotFound
	}

	// Consumed exactly once, success or failure: delete before the expiry
	// check so a timed-out callback cannot be replayed either.
	delete(r.requests, state)

	if r.nowTime().Sub(req.CreatedAt) > r.ttl {
		return nil, ErrNotFound
	}

	clone := *req
	return &clone, nil
}

// Stop stops the background sweep goroutine.
func (r *InMemoryRepo) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCleanup)
	})
}

func (r *InMemoryRepo) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *InMemoryRepo) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for state, req := range r.requests {
		if r.nowTime().Sub(req.CreatedAt) > r.ttl {
			delete(r.requests, state)
			count++
		}
	}

	if count > 0 {
		log.Debug().Int("swept", count).Msg("removed expired pending authorization requests")
	}
}
