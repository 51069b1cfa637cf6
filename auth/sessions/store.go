package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/internal/obs"
	"github.com/presenton/auth-service/oidc"
)

// sessionIDBytes gives 256 bits of entropy per session id.
const sessionIDBytes = 32

// refreshJoinWindow is how recently a refresh must have completed for a
// caller that raced the flight to adopt its result instead of starting
// another one. Anything older is a genuine new refresh.
const refreshJoinWindow = 2 * time.Second

// RefreshResult is what a provider's refresh grant yields: new tokens and the
// claims of the re-validated ID token.
type RefreshResult struct {
	AccessToken   string
	RefreshToken  string
	IDToken       string
	TokenExpiry   time.Time
	RefreshExpiry time.Time // zero when the IdP asserts no refresh validity
	Claims        *oidc.IdentityClaims
}

// TokenRefresher performs the provider-side refresh grant. Implemented by the
// auth service so the store stays free of protocol details.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// Store owns the session lifecycle: creation, lookup, refresh, revocation and
// the passive expiry sweep. Refresh is single-flighted per session id so
// concurrent near-expiry requests collapse into one token-endpoint call.
type Store struct {
	repo      Repo
	refresher TokenRefresher
	maxAge    time.Duration
	nowTime   func() time.Time

	group singleflight.Group
}

// StoreOption defines a function type to modify the Store.
type StoreOption func(*Store)

// WithStoreNowTime sets the now time function (primarily for testing)
func WithStoreNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// NewStore creates a session store. maxAge is the absolute session lifetime
// ceiling; individual sessions may expire sooner when the IdP asserts a
// shorter refresh-token validity.
func NewStore(repo Repo, refresher TokenRefresher, maxAge time.Duration, options ...StoreOption) *Store {
	s := &Store{
		repo:      repo,
		refresher: refresher,
		maxAge:    maxAge,
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Now returns the store's current time. Callers deciding whether a session
// needs refresh must use the same clock the store does.
func (s *Store) Now() time.Time {
	return s.nowTime()
}

// Create assigns a fresh id to the session, stamps its lifecycle fields and
// persists it. refreshExpiry, when non-zero, caps the absolute expiry.
func (s *Store) Create(session *Session, refreshExpiry time.Time) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", fmt.Errorf("[Store.Create] failed to generate session id: %w", err)
	}

	now := s.nowTime()
	session.ID = id
	session.CreatedAt = now
	session.RefreshedAt = now
	session.ExpiresAt = now.Add(s.maxAge)
	if !refreshExpiry.IsZero() && refreshExpiry.Before(session.ExpiresAt) {
		session.ExpiresAt = refreshExpiry
	}

	if err := s.repo.Upsert(id, session); err != nil {
		return "", fmt.Errorf("[Store.Create] %w", err)
	}
	obs.SetActiveSessions(s.repo.Count())
	return id, nil
}

// Get retrieves a live session. An expired record is removed lazily and
// reported as expired.
func (s *Store) Get(sessionID string) (*Session, error) {
	session, err := s.repo.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.nowTime()) {
		_ = s.repo.Delete(sessionID)
		return nil, autherrors.ErrSessionExpired
	}
	return session, nil
}

// Refresh exchanges the session's refresh token for new tokens. Concurrent
// calls for the same session id share one refresh; calls for different ids
// proceed independently. On failure the session is revoked (fail closed).
func (s *Store) Refresh(ctx context.Context, sessionID string) (*Session, error) {
	result, err, _ := s.group.Do(sessionID, func() (interface{}, error) {
		return s.doRefresh(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

func (s *Store) doRefresh(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}

	// A caller that lost the singleflight race to a flight that just
	// completed adopts its result; an older RefreshedAt means this is a new
	// refresh and must go out even if the token is not yet expired.
	now := s.nowTime()
	if session.RefreshedAt.After(session.CreatedAt) && now.Sub(session.RefreshedAt) < refreshJoinWindow {
		return session, nil
	}

	if session.RefreshToken == "" {
		s.Revoke(sessionID)
		return nil, fmt.Errorf("[Store.Refresh] session has no refresh token: %w", autherrors.ErrRefreshFailed)
	}

	result, err := s.refresher.RefreshTokens(ctx, session.RefreshToken)
	if err != nil {
		s.Revoke(sessionID)
		log.Warn().Str("session", sessionID).Err(err).Msg("token refresh failed, session revoked")
		return nil, fmt.Errorf("[Store.Refresh] %w: %w", autherrors.ErrRefreshFailed, err)
	}

	session.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		session.RefreshToken = result.RefreshToken
	}
	if result.IDToken != "" {
		session.IDToken = result.IDToken
	}
	session.TokenExpiry = result.TokenExpiry
	session.RefreshedAt = now
	if !result.RefreshExpiry.IsZero() && result.RefreshExpiry.Before(session.ExpiresAt) {
		session.ExpiresAt = result.RefreshExpiry
	}
	if result.Claims != nil {
		session.ApplyClaims(result.Claims)
	}

	if err := s.repo.Upsert(sessionID, session); err != nil {
		return nil, fmt.Errorf("[Store.Refresh] %w", err)
	}
	return session, nil
}

// Revoke deletes the session. Revoking a missing session succeeds.
func (s *Store) Revoke(sessionID string) {
	_ = s.repo.Delete(sessionID)
	obs.SetActiveSessions(s.repo.Count())
}

// Sweep removes sessions past their absolute expiry and returns the count.
func (s *Store) Sweep() int {
	swept := s.repo.DeleteExpired(s.nowTime())
	obs.SetActiveSessions(s.repo.Count())
	return swept
}

// StartSweeper runs Sweep on the given interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if swept := s.Sweep(); swept > 0 {
					log.Debug().Int("swept", swept).Msg("removed expired sessions")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
