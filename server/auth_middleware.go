package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/presenton/auth-service/auth"
	"github.com/presenton/auth-service/auth/sessions"
	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/internal/obs"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyPrincipal stores the authenticated principal
	ContextKeyPrincipal ContextKey = "principal"
	// ContextKeySessionID stores the resolved session id
	ContextKeySessionID ContextKey = "session_id"
)

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	principal, ok := ctx.Value(ContextKeyPrincipal).(auth.Principal)
	return principal, ok
}

// GuestPrincipal is what every request resolves to when guest mode disables
// the auth layer.
var GuestPrincipal = auth.Principal{Sub: "guest", Name: "Guest", Roles: []string{}}

// AuthGuardMiddleware resolves the session behind the request's cookie,
// refreshing near-expiry tokens, and attaches the principal to the request
// context. Requests without a usable session proceed as anonymous; session
// errors of any kind collapse to anonymous with the cookie cleared.
func (s *Server) AuthGuardMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.IsGuestModeEnabled() {
			ctx := context.WithValue(r.Context(), ContextKeyPrincipal, GuestPrincipal)
			next(w, r.WithContext(ctx))
			return
		}

		sessionID, ok := s.ResolveSessionID(r)
		if !ok {
			if principal, ok := s.basicHeaderPrincipal(r); ok {
				ctx := context.WithValue(r.Context(), ContextKeyPrincipal, principal)
				next(w, r.WithContext(ctx))
				return
			}
			next(w, r)
			return
		}

		session, err := s.resolveSession(r.Context(), sessionID)
		if err != nil {
			s.ClearSessionCookie(w, r)
			next(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyPrincipal, principalFromSession(session))
		ctx = context.WithValue(ctx, ContextKeySessionID, sessionID)
		next(w, r.WithContext(ctx))
	}
}

// resolveSession fetches the session and refreshes its tokens when they are
// within the configured margin of expiry. Refresh failure revokes the session
// in the store; this caller only sees the error.
func (s *Server) resolveSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if session.Provider != sessions.ProviderEIAM {
		return session, nil
	}
	if !session.NeedsRefresh(s.sessions.Now(), s.config.GetRefreshMargin()) {
		return session, nil
	}

	refreshed, err := s.sessions.Refresh(ctx, sessionID)
	if err != nil {
		obs.RecordRefresh("failure")
		log.Debug().Err(err).Msg("session refresh failed, treating request as anonymous")
		return nil, err
	}
	obs.RecordRefresh("success")
	return refreshed, nil
}

// basicHeaderPrincipal authenticates an Authorization: Basic header against
// the local user store, when the basic provider is enabled. EIAM sessions
// always take precedence; this path is only reached with no session cookie.
func (s *Server) basicHeaderPrincipal(r *http.Request) (auth.Principal, bool) {
	if !s.config.IsBasicAuthEnabled() || s.basic == nil {
		return auth.Principal{}, false
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return auth.Principal{}, false
	}
	user, err := s.basic.Authenticate(username, password)
	if err != nil {
		return auth.Principal{}, false
	}
	return auth.PrincipalFromUser(user), true
}

// RequireAuth rejects anonymous requests with 401.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, ok := PrincipalFromContext(r.Context()); !ok {
				writeJSONError(w, http.StatusUnauthorized, autherrors.ErrNotAuthenticated.Error())
				return
			}
			next(w, r)
		}
	}
}

// RequireRole rejects requests whose principal does not carry the role.
func (s *Server) RequireRole(role string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, autherrors.ErrNotAuthenticated.Error())
				return
			}
			if !auth.Allowed(true, principal.Roles, role) {
				writeJSONError(w, http.StatusForbidden, autherrors.ErrForbidden.Error())
				return
			}
			next(w, r)
		}
	}
}

func principalFromSession(session *sessions.Session) auth.Principal {
	if session.Claims != nil {
		return auth.PrincipalFromClaims(session.Claims)
	}
	roles := append([]string{}, session.Roles...)
	return auth.Principal{
		Sub:          session.Subject,
		Name:         session.Name,
		Email:        session.Email,
		GivenName:    session.GivenName,
		FamilyName:   session.FamilyName,
		Roles:        roles,
		Department:   session.Department,
		Organization: session.Organization,
	}
}
