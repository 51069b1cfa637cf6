package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/presenton/auth-service/auth/flowstate"
	"github.com/presenton/auth-service/auth/sessions"
	"github.com/presenton/auth-service/internal/config"
	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/internal/obs"
	"github.com/presenton/auth-service/oidc"
)

const stateBytes = 32

// Service drives the authorization-code flow against the identity provider:
// it issues login redirects, completes callbacks into sessions, refreshes
// tokens and builds logout URLs. It is the sessions.TokenRefresher for the
// session store it is attached to.
type Service struct {
	cfg        config.Config
	resolver   *oidc.MetadataResolver
	validator  *oidc.Validator
	flows      flowstate.Repo
	store      *sessions.Store
	httpClient *http.Client
	nowTime    func() time.Time
}

var _ sessions.TokenRefresher = (*Service)(nil)

// ServiceOption defines a function type to modify the service.
type ServiceOption func(*Service)

// WithServiceHTTPClient overrides the HTTP client used for token exchanges.
func WithServiceHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithServiceNowTime sets the now time function (primarily for testing)
func WithServiceNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

func NewService(cfg config.Config, resolver *oidc.MetadataResolver, validator *oidc.Validator, flows flowstate.Repo, options ...ServiceOption) *Service {
	s := &Service{
		cfg:        cfg,
		resolver:   resolver,
		validator:  validator,
		flows:      flows,
		httpClient: cleanhttp.DefaultPooledClient(),
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// UseSessionStore attaches the session store. Called once at wiring time,
// after the store has been constructed with this service as its refresher.
func (s *Service) UseSessionStore(store *sessions.Store) {
	s.store = store
}

// BeginLogin creates a pending authorization request and returns the IdP
// authorization URL to redirect the browser to. returnURL must be a local
// path; anything else falls back to "/".
func (s *Service) BeginLogin(ctx context.Context, returnURL string) (string, error) {
	metadata, err := s.resolver.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("[Service.BeginLogin] %w", err)
	}

	state, err := randomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("[Service.BeginLogin] failed to generate state: %w", err)
	}
	nonce, err := randomToken(stateBytes)
	if err != nil {
		return "", fmt.Errorf("[Service.BeginLogin] failed to generate nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	if err := s.flows.Create(&flowstate.PendingRequest{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		ReturnURL:    SafeReturnTarget(returnURL),
		CreatedAt:    s.nowTime(),
	}); err != nil {
		return "", fmt.Errorf("[Service.BeginLogin] failed to store pending request: %w", err)
	}

	authURL := s.oauthConfig(metadata).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
	return authURL, nil
}

// CompleteLogin consumes the pending request for the callback's state,
// exchanges the authorization code, validates the returned identity token and
// creates a session. Returns the new session id and the stored return URL.
func (s *Service) CompleteLogin(ctx context.Context, code, state string) (string, string, error) {
	pending, err := s.flows.Consume(state)
	if err != nil {
		return "", "", fmt.Errorf("[Service.CompleteLogin] %w", autherrors.ErrInvalidState)
	}

	token, err := s.exchange(ctx, code, pending.CodeVerifier)
	if err != nil {
		return "", "", fmt.Errorf("[Service.CompleteLogin] code exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", "", fmt.Errorf("[Service.CompleteLogin] %w", autherrors.ErrMissingIDToken)
	}

	claims, err := s.validator.Validate(ctx, rawIDToken, pending.Nonce)
	if err != nil {
		obs.RecordValidationFailure(validationFailureReason(err))
		return "", "", fmt.Errorf("[Service.CompleteLogin] %w: %w", autherrors.ErrCallbackValidationFailed, err)
	}

	session := &sessions.Session{
		Provider:     sessions.ProviderEIAM,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		TokenExpiry:  token.Expiry,
	}
	session.ApplyClaims(claims)

	sessionID, err := s.store.Create(session, s.refreshExpiry(token))
	if err != nil {
		return "", "", fmt.Errorf("[Service.CompleteLogin] failed to create session: %w", err)
	}

	log.Info().Str("sub", claims.Subject).Msg("login completed")
	return sessionID, pending.ReturnURL, nil
}

// RefreshTokens redeems a refresh token at the IdP and re-validates any
// identity token it returns. Implements sessions.TokenRefresher.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*sessions.RefreshResult, error) {
	metadata, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("[Service.RefreshTokens] %w", err)
	}

	source := s.oauthConfig(metadata).TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("[Service.RefreshTokens] refresh grant failed: %w", err)
	}

	result := &sessions.RefreshResult{
		AccessToken:   token.AccessToken,
		RefreshToken:  token.RefreshToken,
		TokenExpiry:   token.Expiry,
		RefreshExpiry: s.refreshExpiry(token),
	}

	// A new identity token is optional on refresh; when present it must pass
	// the same validation as at login, minus the nonce binding.
	if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
		claims, err := s.validator.Validate(ctx, rawIDToken, "")
		if err != nil {
			obs.RecordValidationFailure(validationFailureReason(err))
			return nil, fmt.Errorf("[Service.RefreshTokens] refreshed token validation failed: %w", err)
		}
		result.IDToken = rawIDToken
		result.Claims = claims
	}

	return result, nil
}

// CheckSession resolves a session id to its live record.
func (s *Service) CheckSession(sessionID string) (*sessions.Session, error) {
	return s.store.Get(sessionID)
}

// RefreshSession forces a token refresh for the session, regardless of how
// close the access token is to expiry.
func (s *Service) RefreshSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	return s.store.Refresh(ctx, sessionID)
}

// Logout revokes the session and returns the IdP end-session URL when the
// provider advertises one. Local revocation never fails; an unreachable IdP
// only costs the federated logout redirect.
func (s *Service) Logout(ctx context.Context, sessionID string) string {
	s.store.Revoke(sessionID)

	metadata, err := s.resolver.Resolve(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("logout: provider metadata unavailable, skipping federated logout")
		return ""
	}
	if metadata.EndSessionEndpoint == "" {
		return ""
	}

	query := url.Values{}
	query.Set("post_logout_redirect_uri", s.cfg.GetBaseURL())
	query.Set("client_id", s.cfg.GetClientID())
	return metadata.EndSessionEndpoint + "?" + query.Encode()
}

func (s *Service) oauthConfig(metadata *oidc.ProviderMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.GetClientID(),
		ClientSecret: s.cfg.GetClientSecret(),
		RedirectURL:  s.cfg.GetRedirectURI(),
		Scopes:       s.cfg.GetScopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  metadata.AuthorizationEndpoint,
			TokenURL: metadata.TokenEndpoint,
		},
	}
}

func (s *Service) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	metadata, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return s.oauthConfig(metadata).Exchange(s.clientContext(ctx), code, oauth2.VerifierOption(verifier))
}

func (s *Service) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// refreshExpiry extracts the IdP-asserted refresh-token validity, when the
// provider reports one. Zero means the session's own maximum age applies.
func (s *Service) refreshExpiry(token *oauth2.Token) time.Time {
	seconds, ok := token.Extra("refresh_expires_in").(float64)
	if !ok || seconds <= 0 {
		return time.Time{}
	}
	return s.nowTime().Add(time.Duration(seconds) * time.Second)
}

// validationFailureReason maps a validator error to its metric label.
func validationFailureReason(err error) string {
	switch {
	case autherrors.Is(err, oidc.ErrUnknownKey):
		return "unknown_key"
	case autherrors.Is(err, oidc.ErrBadSignature):
		return "bad_signature"
	case autherrors.Is(err, oidc.ErrMalformedToken):
		return "malformed"
	case autherrors.Is(err, oidc.ErrTokenExpired):
		return "expired"
	case autherrors.Is(err, oidc.ErrInvalidIssuedAt):
		return "invalid_iat"
	case autherrors.Is(err, oidc.ErrIssuerMismatch):
		return "issuer_mismatch"
	case autherrors.Is(err, oidc.ErrAudienceMismatch):
		return "audience_mismatch"
	case autherrors.Is(err, oidc.ErrNonceMismatch):
		return "nonce_mismatch"
	default:
		return "other"
	}
}

// SafeReturnTarget restricts post-login redirects to local paths. Absolute
// URLs, protocol-relative URLs and backslash tricks all collapse to "/".
func SafeReturnTarget(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") {
		return "/"
	}
	if strings.HasPrefix(target, "//") || strings.Contains(target, "\\") {
		return "/"
	}
	if parsed, err := url.Parse(target); err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return "/"
	}
	return target
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
