package auth_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presenton/auth-service/auth"
	"github.com/presenton/auth-service/auth/flowstate"
	"github.com/presenton/auth-service/auth/sessions"
	"github.com/presenton/auth-service/internal/config"
	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/internal/idptest"
	"github.com/presenton/auth-service/oidc"
)

const (
	testClientID     = "test-client-1"
	testClientSecret = "test-secret-1"
)

// testFixture holds all test dependencies
type testFixture struct {
	idp     *idptest.IDP
	flows   *flowstate.InMemoryRepo
	service *auth.Service
	store   *sessions.Store
}

// setupTestFixture wires a service against a fake IdP.
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	t.Setenv("EIAM_CLIENT_ID", testClientID)
	t.Setenv("EIAM_CLIENT_SECRET", testClientSecret)
	t.Setenv("EIAM_REDIRECT_URI", "http://localhost:8080/auth/callback")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123456789abcdef")

	idp := idptest.New(t)
	c := config.New()

	resolver := oidc.NewMetadataResolver(idp.Issuer(), 30*time.Minute)
	keySet := oidc.NewKeySet(resolver)
	validator := oidc.NewValidator(keySet, idp.Issuer(), testClientID)

	flows := flowstate.NewInMemoryRepo(10 * time.Minute)
	t.Cleanup(flows.Stop)

	service := auth.NewService(c, resolver, validator, flows)
	store := sessions.NewStore(sessions.NewInMemoryRepo(), service, 8*time.Hour)
	service.UseSessionStore(store)

	return &testFixture{idp: idp, flows: flows, service: service, store: store}
}

// authorize drives the browser leg of the flow: follows the login redirect to
// the IdP and captures the code/state it sends back.
func (f *testFixture) authorize(t *testing.T, authURL string) (code, state string) {
	t.Helper()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return callback.Query().Get("code"), callback.Query().Get("state")
}

func TestBeginLoginBuildsAuthorizationURL(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.service.BeginLogin(context.Background(), "/dashboard")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, f.idp.Issuer()+"/authorize", parsed.Scheme+"://"+parsed.Host+parsed.Path)
	require.Equal(t, testClientID, query.Get("client_id"))
	require.Equal(t, "code", query.Get("response_type"))
	require.NotEmpty(t, query.Get("state"))
	require.NotEmpty(t, query.Get("nonce"))
	require.NotEmpty(t, query.Get("code_challenge"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
}

func TestCompleteLoginCreatesSession(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.service.BeginLogin(context.Background(), "/dashboard")
	require.NoError(t, err)
	code, state := f.authorize(t, authURL)

	sessionID, returnURL, err := f.service.CompleteLogin(context.Background(), code, state)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.Equal(t, "/dashboard", returnURL)

	session, err := f.store.Get(sessionID)
	require.NoError(t, err)
	require.Equal(t, sessions.ProviderEIAM, session.Provider)
	require.Equal(t, "user-123", session.Subject)
	require.Equal(t, []string{"user"}, session.Roles)
	require.NotEmpty(t, session.AccessToken)
	require.NotEmpty(t, session.RefreshToken)
}

func TestCompleteLoginRejectsReplayedState(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.service.BeginLogin(context.Background(), "")
	require.NoError(t, err)
	code, state := f.authorize(t, authURL)

	_, _, err = f.service.CompleteLogin(context.Background(), code, state)
	require.NoError(t, err)

	// Replaying the exact same callback must be rejected and must not mint
	// another session.
	_, _, err = f.service.CompleteLogin(context.Background(), code, state)
	require.ErrorIs(t, err, autherrors.ErrInvalidState)
}

func TestCompleteLoginRejectsUnknownState(t *testing.T) {
	f := setupTestFixture(t)

	_, _, err := f.service.CompleteLogin(context.Background(), "some-code", "state-nobody-issued")
	require.ErrorIs(t, err, autherrors.ErrInvalidState)
}

func TestCompleteLoginHonoursRefreshValidity(t *testing.T) {
	f := setupTestFixture(t)
	f.idp.SetRefreshExpiresIn(30 * time.Minute)

	authURL, err := f.service.BeginLogin(context.Background(), "")
	require.NoError(t, err)
	code, state := f.authorize(t, authURL)

	sessionID, _, err := f.service.CompleteLogin(context.Background(), code, state)
	require.NoError(t, err)

	session, err := f.store.Get(sessionID)
	require.NoError(t, err)
	require.True(t, session.ExpiresAt.Before(time.Now().Add(31*time.Minute)),
		"session expiry must not outlive the IdP-asserted refresh validity")
}

func TestRefreshTokensRoundTrip(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.service.BeginLogin(context.Background(), "")
	require.NoError(t, err)
	code, state := f.authorize(t, authURL)
	sessionID, _, err := f.service.CompleteLogin(context.Background(), code, state)
	require.NoError(t, err)

	before, err := f.store.Get(sessionID)
	require.NoError(t, err)

	refreshed, err := f.store.Refresh(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotEqual(t, before.AccessToken, refreshed.AccessToken)
	require.Equal(t, "user-123", refreshed.Subject)
	require.Equal(t, int64(1), f.idp.RefreshCallCount())
}

func TestRefreshFailureRevokesSession(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.service.BeginLogin(context.Background(), "")
	require.NoError(t, err)
	code, state := f.authorize(t, authURL)
	sessionID, _, err := f.service.CompleteLogin(context.Background(), code, state)
	require.NoError(t, err)

	f.idp.SetRefreshFails(true)

	_, err = f.store.Refresh(context.Background(), sessionID)
	require.ErrorIs(t, err, autherrors.ErrRefreshFailed)

	_, err = f.store.Get(sessionID)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}

func TestLogoutRevokesSessionAndBuildsEndSessionURL(t *testing.T) {
	f := setupTestFixture(t)

	authURL, err := f.service.BeginLogin(context.Background(), "")
	require.NoError(t, err)
	code, state := f.authorize(t, authURL)
	sessionID, _, err := f.service.CompleteLogin(context.Background(), code, state)
	require.NoError(t, err)

	logoutURL := f.service.Logout(context.Background(), sessionID)
	require.Contains(t, logoutURL, f.idp.Issuer()+"/logout")
	require.Contains(t, logoutURL, "client_id="+testClientID)

	_, err = f.store.Get(sessionID)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}

func TestSafeReturnTarget(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/dashboard", "/dashboard"},
		{"/a/b?c=d", "/a/b?c=d"},
		{"https://evil.example.com", "/"},
		{"//evil.example.com", "/"},
		{"/\\evil.example.com", "/"},
		{"javascript:alert(1)", "/"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, auth.SafeReturnTarget(tt.in), "input %q", tt.in)
	}
}
