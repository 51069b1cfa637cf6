package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/presenton/auth-service/auth"
	"github.com/presenton/auth-service/auth/sessions"
	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/internal/obs"
)

// checkResponse is the shape of GET /auth/check. It is always returned with
// status 200; not being logged in is a state, not an error.
type checkResponse struct {
	Authenticated bool            `json:"authenticated"`
	User          *auth.Principal `json:"user"`
}

type tokenResponse struct {
	Success bool            `json:"success"`
	User    *auth.Principal `json:"user,omitempty"`
}

type logoutResponse struct {
	Success   bool   `json:"success"`
	LogoutURL string `json:"logout_url,omitempty"`
}

// LoginHandler starts the authorization-code flow: it records a pending
// request and redirects the browser to the IdP. No cookie is set yet.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.IsEIAMEnabled() {
			writeJSONError(w, http.StatusNotFound, "login_not_available")
			return
		}

		authURL, err := s.auth.BeginLogin(r.Context(), r.URL.Query().Get("redirect_url"))
		if err != nil {
			log.Error().Err(err).Msg("failed to begin login")
			writeJSONError(w, http.StatusServiceUnavailable, "provider_unavailable")
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// basicLoginRequest is the body of POST /auth/login, served by the local
// user store when the basic provider is enabled.
type basicLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BasicLoginHandler authenticates against the local user store and
// establishes a session the same way a completed IdP callback does.
func (s *Server) BasicLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.IsBasicAuthEnabled() || s.basic == nil {
			writeJSONError(w, http.StatusNotFound, "login_not_available")
			return
		}

		var req basicLoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		user, err := s.basic.Authenticate(req.Username, req.Password)
		if err != nil {
			obs.RecordLogin(sessions.ProviderBasic, "failure")
			writeJSONError(w, http.StatusUnauthorized, autherrors.ErrInvalidCredentials.Error())
			return
		}

		principal := auth.PrincipalFromUser(user)
		session := &sessions.Session{
			Provider:     sessions.ProviderBasic,
			Subject:      principal.Sub,
			Name:         principal.Name,
			Email:        principal.Email,
			GivenName:    principal.GivenName,
			FamilyName:   principal.FamilyName,
			Roles:        principal.Roles,
			Department:   principal.Department,
			Organization: principal.Organization,
		}
		sessionID, err := s.sessions.Create(session, s.sessions.Now().Add(s.config.GetMaxSessionAge()))
		if err != nil {
			log.Error().Err(err).Msg("failed to create session")
			writeJSONError(w, http.StatusInternalServerError, autherrors.ErrInternal.Error())
			return
		}

		obs.RecordLogin(sessions.ProviderBasic, "success")
		s.SetSessionCookie(w, r, sessionID, int(s.config.GetMaxSessionAge().Seconds()))
		writeJSON(w, http.StatusOK, tokenResponse{Success: true, User: &principal})
	}
}

// CallbackHandler completes the flow started by LoginHandler. On any failure
// the response is 400 with an error code and no cookie is set or changed.
// Registered for both GET and POST to support form_post response mode.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if idpError := r.FormValue("error"); idpError != "" {
			log.Warn().Str("error", idpError).Str("description", r.FormValue("error_description")).Msg("IdP returned an error on callback")
			obs.RecordLogin(sessions.ProviderEIAM, "failure")
			writeJSONError(w, http.StatusBadRequest, idpError)
			return
		}

		code, state := r.FormValue("code"), r.FormValue("state")
		if code == "" || state == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		sessionID, returnURL, err := s.auth.CompleteLogin(r.Context(), code, state)
		if err != nil {
			obs.RecordLogin(sessions.ProviderEIAM, "failure")
			log.Warn().Err(err).Msg("login callback rejected")
			writeJSONError(w, http.StatusBadRequest, callbackErrorCode(err))
			return
		}

		obs.RecordLogin(sessions.ProviderEIAM, "success")
		s.SetSessionCookie(w, r, sessionID, int(s.config.GetMaxSessionAge().Seconds()))
		http.Redirect(w, r, returnURL, http.StatusFound)
	}
}

func callbackErrorCode(err error) string {
	switch {
	case autherrors.Is(err, autherrors.ErrInvalidState):
		return "invalid_state"
	case autherrors.Is(err, autherrors.ErrMissingIDToken):
		return "missing_id_token"
	case autherrors.Is(err, autherrors.ErrCallbackValidationFailed):
		return "invalid_token"
	default:
		return "exchange_failed"
	}
}

// LogoutHandler revokes the session and clears the cookie. It always
// succeeds locally; when the IdP advertises an end-session endpoint the
// response carries the federated logout URL for the client to navigate to.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := logoutResponse{Success: true}
		if sessionID, ok := s.ResolveSessionID(r); ok {
			resp.LogoutURL = s.auth.Logout(r.Context(), sessionID)
		}
		s.ClearSessionCookie(w, r)
		writeJSON(w, http.StatusOK, resp)
	}
}

// CheckHandler reports the authentication state attached by the guard.
func (s *Server) CheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if principal, ok := PrincipalFromContext(r.Context()); ok {
			writeJSON(w, http.StatusOK, checkResponse{Authenticated: true, User: &principal})
			return
		}
		writeJSON(w, http.StatusOK, checkResponse{Authenticated: false, User: nil})
	}
}

// TokenHandler forces a refresh attempt for the current session. A failed or
// absent session is a success=false body, not a transport error.
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.IsGuestModeEnabled() {
			guest := GuestPrincipal
			writeJSON(w, http.StatusOK, tokenResponse{Success: true, User: &guest})
			return
		}

		sessionID, ok := s.ResolveSessionID(r)
		if !ok {
			writeJSON(w, http.StatusOK, tokenResponse{Success: false})
			return
		}

		session, err := s.auth.CheckSession(sessionID)
		if err != nil {
			s.ClearSessionCookie(w, r)
			writeJSON(w, http.StatusOK, tokenResponse{Success: false})
			return
		}

		if session.Provider == sessions.ProviderEIAM {
			session, err = s.auth.RefreshSession(r.Context(), sessionID)
			if err != nil {
				obs.RecordRefresh("failure")
				s.ClearSessionCookie(w, r)
				writeJSON(w, http.StatusOK, tokenResponse{Success: false})
				return
			}
			obs.RecordRefresh("success")
		}

		principal := principalFromSession(session)
		writeJSON(w, http.StatusOK, tokenResponse{Success: true, User: &principal})
	}
}

// MeHandler returns the authenticated principal. Guarded by RequireAuth.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		writeJSON(w, http.StatusOK, principal)
	}
}

// HealthHandler is the liveness probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
