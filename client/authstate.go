// Package client is the Go counterpart of the browser-side auth state: a
// small state machine that mirrors the server's session over the auth
// endpoints and gates UI rendering on it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
)

// Principal mirrors the identity shape the server returns.
type Principal struct {
	Sub          string   `json:"sub"`
	Name         string   `json:"name,omitempty"`
	Email        string   `json:"email,omitempty"`
	GivenName    string   `json:"given_name,omitempty"`
	FamilyName   string   `json:"family_name,omitempty"`
	Roles        []string `json:"roles"`
	Department   string   `json:"department,omitempty"`
	Organization string   `json:"organization,omitempty"`
}

// Snapshot is the state handed to renderers. Copied by value so a renderer
// never observes a half-applied transition.
type Snapshot struct {
	Loaded          bool
	IsAuthenticated bool
	User            *Principal
}

// AuthState mirrors the server-side session in a client process. All
// operations are safe for concurrent use; results of superseded requests are
// discarded rather than applied over newer state.
type AuthState struct {
	baseURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	generation uint64
	snapshot   Snapshot
}

// AuthStateOption defines a function type to modify the auth state.
type AuthStateOption func(*AuthState)

// WithHTTPClient overrides the HTTP client used for status calls. The client
// must carry the browser's cookie jar for session cookies to flow.
func WithHTTPClient(client *http.Client) AuthStateOption {
	return func(a *AuthState) {
		a.httpClient = client
	}
}

func NewAuthState(baseURL string, options ...AuthStateOption) *AuthState {
	a := &AuthState{
		baseURL:    baseURL,
		httpClient: cleanhttp.DefaultPooledClient(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Load fetches the current authentication status and applies it, unless a
// newer operation completed while this one was in flight.
func (a *AuthState) Load(ctx context.Context) error {
	gen := a.nextGeneration()

	var status struct {
		Authenticated bool       `json:"authenticated"`
		User          *Principal `json:"user"`
	}
	if err := a.getJSON(ctx, "/auth/check", &status); err != nil {
		a.apply(gen, Snapshot{Loaded: true})
		return fmt.Errorf("[AuthState.Load] status check failed: %w", err)
	}

	a.apply(gen, Snapshot{Loaded: true, IsAuthenticated: status.Authenticated, User: status.User})
	return nil
}

// LoginURL returns the server login URL to navigate the browser to. Login
// changes no local state; the server owns the flow and the next Load picks
// up the result.
func (a *AuthState) LoginURL(redirectTarget string) string {
	loginURL := a.baseURL + "/auth/login"
	if redirectTarget != "" {
		loginURL += "?redirect_url=" + url.QueryEscape(redirectTarget)
	}
	return loginURL
}

// Logout calls the logout endpoint and clears local state regardless of the
// call's outcome: from the UI's perspective logout never gets stuck. Returns
// the IdP's federated logout URL when the server provides one.
func (a *AuthState) Logout(ctx context.Context) string {
	gen := a.nextGeneration()

	var resp struct {
		Success   bool   `json:"success"`
		LogoutURL string `json:"logout_url"`
	}
	if err := a.postJSON(ctx, "/auth/logout", &resp); err != nil {
		log.Warn().Err(err).Msg("logout endpoint unreachable, clearing local state anyway")
	}

	a.apply(gen, Snapshot{Loaded: true})
	return resp.LogoutURL
}

// Refresh asks the server to refresh the session. On any failure the local
// state degrades to unauthenticated.
func (a *AuthState) Refresh(ctx context.Context) error {
	gen := a.nextGeneration()

	var resp struct {
		Success bool       `json:"success"`
		User    *Principal `json:"user"`
	}
	if err := a.getJSON(ctx, "/auth/token", &resp); err != nil {
		a.apply(gen, Snapshot{Loaded: true})
		return fmt.Errorf("[AuthState.Refresh] refresh call failed: %w", err)
	}
	if !resp.Success {
		a.apply(gen, Snapshot{Loaded: true})
		return nil
	}

	a.apply(gen, Snapshot{Loaded: true, IsAuthenticated: true, User: resp.User})
	return nil
}

// Snapshot returns the current state by value.
func (a *AuthState) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Guard reports whether protected content may render: authenticated, and
// carrying requiredRole when one is given.
func (a *AuthState) Guard(requiredRole string) bool {
	snapshot := a.Snapshot()
	if !snapshot.IsAuthenticated {
		return false
	}
	if requiredRole == "" {
		return true
	}
	if snapshot.User == nil {
		return false
	}
	for _, role := range snapshot.User.Roles {
		if role == requiredRole {
			return true
		}
	}
	return false
}

// nextGeneration stamps a new operation. apply only installs results whose
// generation is still current, so a slow response from a superseded call
// (or one cancelled at teardown) never overwrites newer state.
func (a *AuthState) nextGeneration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	return a.generation
}

func (a *AuthState) apply(gen uint64, snapshot Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return
	}
	a.snapshot = snapshot
}

func (a *AuthState) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *AuthState) postJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *AuthState) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
