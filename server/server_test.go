package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presenton/auth-service/auth"
	"github.com/presenton/auth-service/auth/flowstate"
	"github.com/presenton/auth-service/auth/sessions"
	"github.com/presenton/auth-service/internal/config"
	"github.com/presenton/auth-service/internal/idptest"
	"github.com/presenton/auth-service/oidc"
	"github.com/presenton/auth-service/server"
	"github.com/presenton/auth-service/users"
)

const (
	testClientID     = "test-client-1"
	testClientSecret = "test-secret-1"
	testUserPassword = "correct-horse-battery"
)

type testFixture struct {
	idp      *idptest.IDP
	ts       *httptest.Server
	store    *sessions.Store
	userRepo *users.InMemoryRepo
	client   *http.Client
}

// setupTestFixture builds the full server against a fake IdP. The returned
// client never follows redirects so each hop can be asserted.
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	t.Setenv("SESSION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("EIAM_CLIENT_ID", testClientID)
	t.Setenv("EIAM_CLIENT_SECRET", testClientSecret)

	idp := idptest.New(t)
	c := config.New()

	resolver := oidc.NewMetadataResolver(idp.Issuer(), 30*time.Minute)
	keySet := oidc.NewKeySet(resolver)
	validator := oidc.NewValidator(keySet, idp.Issuer(), testClientID)

	flows := flowstate.NewInMemoryRepo(10 * time.Minute)
	t.Cleanup(flows.Stop)

	authService := auth.NewService(c, resolver, validator, flows)
	store := sessions.NewStore(sessions.NewInMemoryRepo(), authService, 8*time.Hour)
	authService.UseSessionStore(store)

	userRepo := users.NewInMemoryRepo()
	basicProvider := auth.NewBasicProvider(userRepo)

	ts := httptest.NewServer(server.New(c, authService, basicProvider, store))
	t.Cleanup(ts.Close)

	// The IdP sends the browser back here.
	t.Setenv("EIAM_REDIRECT_URI", ts.URL+"/auth/callback")

	return &testFixture{
		idp:      idp,
		ts:       ts,
		store:    store,
		userRepo: userRepo,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

func (f *testFixture) seedUser(t *testing.T, username string, roles []string) {
	t.Helper()
	hash, err := users.HashPassword(testUserPassword)
	require.NoError(t, err)
	require.NoError(t, f.userRepo.Upsert(&users.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Name:         "Test User",
		Roles:        roles,
	}))
}

func (f *testFixture) get(t *testing.T, path string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *testFixture) post(t *testing.T, path string, body []byte, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// login walks the whole authorization-code flow and returns the session
// cookie plus the callback URL used, so callers can replay it.
func (f *testFixture) login(t *testing.T, redirectTarget string) (*http.Cookie, string) {
	t.Helper()

	path := "/auth/login"
	if redirectTarget != "" {
		path += "?redirect_url=" + url.QueryEscape(redirectTarget)
	}
	loginResp := f.get(t, path, nil)
	require.Equal(t, http.StatusFound, loginResp.StatusCode)
	require.Empty(t, loginResp.Cookies(), "login must not set a cookie")

	authResp, err := f.client.Get(loginResp.Header.Get("Location"))
	require.NoError(t, err)
	defer authResp.Body.Close()
	require.Equal(t, http.StatusFound, authResp.StatusCode)
	callbackURL := authResp.Header.Get("Location")

	callbackResp, err := f.client.Get(callbackURL)
	require.NoError(t, err)
	defer callbackResp.Body.Close()
	require.Equal(t, http.StatusFound, callbackResp.StatusCode)

	var sessionCookie *http.Cookie
	for _, cookie := range callbackResp.Cookies() {
		if cookie.Name == "session_id" {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie, "callback must set the session cookie")
	require.True(t, sessionCookie.HttpOnly)
	return sessionCookie, callbackURL
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type authStatus struct {
	Authenticated bool            `json:"authenticated"`
	User          *auth.Principal `json:"user"`
}

type tokenStatus struct {
	Success bool            `json:"success"`
	User    *auth.Principal `json:"user"`
}

func TestLoginRedirectsToIdP(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/auth/login", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), f.idp.Issuer()+"/authorize"))
}

func TestCallbackEstablishesSessionAndRedirects(t *testing.T) {
	f := setupTestFixture(t)

	cookie, _ := f.login(t, "/dashboard")
	require.NotEmpty(t, cookie.Value)

	resp := f.get(t, "/auth/check", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status authStatus
	decodeBody(t, resp, &status)
	require.True(t, status.Authenticated)
	require.Equal(t, "user-123", status.User.Sub)
	require.Equal(t, []string{"user"}, status.User.Roles)
}

func TestCallbackRedirectTargetHonoured(t *testing.T) {
	f := setupTestFixture(t)

	path := "/auth/login?redirect_url=" + url.QueryEscape("/dashboard")
	loginResp := f.get(t, path, nil)
	authResp, err := f.client.Get(loginResp.Header.Get("Location"))
	require.NoError(t, err)
	defer authResp.Body.Close()

	callbackResp, err := f.client.Get(authResp.Header.Get("Location"))
	require.NoError(t, err)
	defer callbackResp.Body.Close()
	require.Equal(t, "/dashboard", callbackResp.Header.Get("Location"))
}

func TestCallbackReplayRejected(t *testing.T) {
	f := setupTestFixture(t)

	_, callbackURL := f.login(t, "")

	resp, err := f.client.Get(callbackURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, resp.Cookies(), "failed callback must not touch cookies")

	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "invalid_state", body["error"])
}

func TestCallbackWithIdPError(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/auth/callback?error=access_denied&error_description=user+cancelled", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "access_denied", body["error"])
}

func TestCheckWithoutSessionIsAnonymous(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/auth/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status authStatus
	decodeBody(t, resp, &status)
	require.False(t, status.Authenticated)
	require.Nil(t, status.User)
}

func TestLogoutRevokesAndClearsCookie(t *testing.T) {
	f := setupTestFixture(t)

	cookie, _ := f.login(t, "")

	resp := f.post(t, "/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" && c.MaxAge < 0 {
			cleared = true
		}
	}
	require.True(t, cleared, "logout must expire the session cookie")

	var body map[string]any
	decodeBody(t, resp, &body)
	require.Equal(t, true, body["success"])
	require.Contains(t, body["logout_url"], f.idp.Issuer()+"/logout")

	// The old cookie is dead immediately, before any sweep runs.
	check := f.get(t, "/auth/check", cookie)
	var status authStatus
	decodeBody(t, check, &status)
	require.False(t, status.Authenticated)
}

func TestTokenRefreshesSession(t *testing.T) {
	f := setupTestFixture(t)

	cookie, _ := f.login(t, "")

	resp := f.get(t, "/auth/token", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status tokenStatus
	decodeBody(t, resp, &status)
	require.True(t, status.Success)
	require.Equal(t, "user-123", status.User.Sub)
	require.Equal(t, int64(1), f.idp.RefreshCallCount())
}

func TestTokenWithoutSessionIsNotAnError(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/auth/token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status tokenStatus
	decodeBody(t, resp, &status)
	require.False(t, status.Success)
	require.Nil(t, status.User)
}

func TestTokenRefreshFailureClearsCookie(t *testing.T) {
	f := setupTestFixture(t)

	cookie, _ := f.login(t, "")
	f.idp.SetRefreshFails(true)

	resp := f.get(t, "/auth/token", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status tokenStatus
	decodeBody(t, resp, &status)
	require.False(t, status.Success)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" && c.MaxAge < 0 {
			cleared = true
		}
	}
	require.True(t, cleared)
}

func TestGuardRefreshFailureRevokesAndClearsCookie(t *testing.T) {
	f := setupTestFixture(t)

	// Access tokens die immediately, so the guard must refresh on first use.
	f.idp.SetExpiresIn(time.Second)
	cookie, _ := f.login(t, "")
	f.idp.SetRefreshFails(true)

	resp := f.get(t, "/auth/check", cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status authStatus
	decodeBody(t, resp, &status)
	require.False(t, status.Authenticated)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" && c.MaxAge < 0 {
			cleared = true
		}
	}
	require.True(t, cleared, "guard must clear the cookie on refresh failure")

	// Fail closed: the session is revoked, not just hidden.
	_, err := f.store.Get(cookie.Value)
	require.Error(t, err)
}

func TestGuardRefreshesNearExpiryTokens(t *testing.T) {
	f := setupTestFixture(t)

	f.idp.SetExpiresIn(time.Second)
	cookie, _ := f.login(t, "")

	resp := f.get(t, "/auth/check", cookie)
	var status authStatus
	decodeBody(t, resp, &status)
	require.True(t, status.Authenticated)
	require.Equal(t, int64(1), f.idp.RefreshCallCount())
}

func TestMeRequiresAuthentication(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/auth/me", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cookie, _ := f.login(t, "")
	authed := f.get(t, "/auth/me", cookie)
	require.Equal(t, http.StatusOK, authed.StatusCode)

	var principal auth.Principal
	decodeBody(t, authed, &principal)
	require.Equal(t, "user-123", principal.Sub)
}

func TestBasicLoginEstablishesSession(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("AUTH_PROVIDERS", "basic")
	f.seedUser(t, "jdoe", []string{"admin"})

	body, _ := json.Marshal(map[string]string{"username": "jdoe", "password": testUserPassword})
	resp := f.post(t, "/auth/login", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status tokenStatus
	decodeBody(t, resp, &status)
	require.True(t, status.Success)
	require.Equal(t, []string{"admin"}, status.User.Roles)

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	check := f.get(t, "/auth/check", sessionCookie)
	var checkStatus authStatus
	decodeBody(t, check, &checkStatus)
	require.True(t, checkStatus.Authenticated)
	require.Equal(t, "jdoe@example.com", checkStatus.User.Email)
}

func TestBasicLoginRejectsBadCredentials(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("AUTH_PROVIDERS", "basic")
	f.seedUser(t, "jdoe", nil)

	body, _ := json.Marshal(map[string]string{"username": "jdoe", "password": "wrong"})
	resp := f.post(t, "/auth/login", body, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, resp.Cookies())
}

func TestBasicAuthHeaderFallback(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("AUTH_PROVIDERS", "basic")
	f.seedUser(t, "jdoe", []string{"user"})

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/auth/check", nil)
	require.NoError(t, err)
	req.SetBasicAuth("jdoe", testUserPassword)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status authStatus
	decodeBody(t, resp, &status)
	require.True(t, status.Authenticated)
	require.Equal(t, []string{"user"}, status.User.Roles)
}

func TestEIAMLoginDisabledWhenNotListed(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("AUTH_PROVIDERS", "basic")

	resp := f.get(t, "/auth/login", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGuestModeTreatsEveryoneAsAuthenticated(t *testing.T) {
	f := setupTestFixture(t)
	t.Setenv("GUEST_MODE", "true")

	resp := f.get(t, "/auth/check", nil)
	var status authStatus
	decodeBody(t, resp, &status)
	require.True(t, status.Authenticated)
	require.Equal(t, "guest", status.User.Sub)

	token := f.get(t, "/auth/token", nil)
	var tokenBody tokenStatus
	decodeBody(t, token, &tokenBody)
	require.True(t, tokenBody.Success)
}

func TestHealthEndpoint(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestFixture(t)

	resp := f.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitKicksIn(t *testing.T) {
	f := setupTestFixture(t)

	var limited bool
	for i := 0; i < 40; i++ {
		resp := f.get(t, "/auth/login", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "burst traffic should trip the per-IP limiter")
}
