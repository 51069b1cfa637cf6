// Package idptest provides an in-process OIDC identity provider for tests.
// It serves a discovery document, a JWKS endpoint, and authorization/token
// endpoints, and signs ID tokens with its own rotating RSA key.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IDP is a fake identity provider bound to an httptest server.
type IDP struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	privKey    *rsa.PrivateKey
	keyID      string
	codes      map[string]string // code -> nonce
	userClaims map[string]interface{}
	expiresIn  time.Duration

	refreshFails     bool
	refreshExpiresIn time.Duration
	omitRefreshToken bool

	jwksFetches  atomic.Int64
	refreshCalls atomic.Int64
}

// New starts a fake IdP. The server is shut down via t.Cleanup.
func New(t *testing.T) *IDP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("idptest: failed to generate RSA key: %v", err)
	}

	p := &IDP{
		t:         t,
		privKey:   key,
		keyID:     uuid.NewString(),
		codes:     make(map[string]string),
		expiresIn: time.Hour,
		userClaims: map[string]interface{}{
			"sub":          "user-123",
			"name":         "John Doe",
			"email":        "john.doe@example.com",
			"given_name":   "John",
			"family_name":  "Doe",
			"roles":        []string{"user"},
			"department":   "Engineering",
			"organization": "ACME",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discoveryHandler)
	mux.HandleFunc("GET /keys", p.jwksHandler)
	mux.HandleFunc("GET /authorize", p.authorizeHandler)
	mux.HandleFunc("POST /token", p.tokenHandler)

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

// Close shuts the IdP down early to simulate an unreachable provider.
func (p *IDP) Close() {
	p.srv.Close()
}

// Issuer returns the issuer URL of the fake IdP.
func (p *IDP) Issuer() string {
	return p.srv.URL
}

// SetUserClaims overrides individual claims minted into ID tokens.
func (p *IDP) SetUserClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range claims {
		p.userClaims[k] = v
	}
}

// SetExpiresIn sets the lifetime of minted access and ID tokens.
func (p *IDP) SetExpiresIn(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresIn = d
}

// SetRefreshExpiresIn makes token responses assert a refresh-token validity.
func (p *IDP) SetRefreshExpiresIn(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshExpiresIn = d
}

// SetOmitRefreshToken drops the refresh token from token responses.
func (p *IDP) SetOmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = omit
}

// SetRefreshFails makes refresh grants fail with invalid_grant.
func (p *IDP) SetRefreshFails(fails bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshFails = fails
}

// RotateKeys replaces the signing key and kid, invalidating previously
// published JWKS documents.
func (p *IDP) RotateKeys() {
	p.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		p.t.Fatalf("idptest: failed to rotate RSA key: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.privKey = key
	p.keyID = uuid.NewString()
}

// JWKSFetchCount reports how many times the JWKS endpoint has been hit.
func (p *IDP) JWKSFetchCount() int64 {
	return p.jwksFetches.Load()
}

// RefreshCallCount reports how many refresh grants the token endpoint served.
func (p *IDP) RefreshCallCount() int64 {
	return p.refreshCalls.Load()
}

// KeyID returns the current signing key id.
func (p *IDP) KeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyID
}

// Mint signs a token with the IdP's current key, applying overrides on top of
// the default user claims. iss/aud/exp/iat default to sensible values and can
// be overridden too.
func (p *IDP) Mint(audience string, overrides map[string]interface{}) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mintLocked(audience, "", overrides)
}

// MintWithKey signs a token with a caller-provided key and kid, for
// unknown-key and bad-signature scenarios.
func (p *IDP) MintWithKey(key *rsa.PrivateKey, kid, audience string, overrides map[string]interface{}) string {
	p.t.Helper()
	claims := p.baseClaims(audience, "", overrides)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		p.t.Fatalf("idptest: failed to sign token: %v", err)
	}
	return signed
}

// NewSigningKey generates an RSA key unrelated to the IdP's key set.
func NewSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("idptest: failed to generate RSA key: %v", err)
	}
	return key
}

func (p *IDP) mintLocked(audience, nonce string, overrides map[string]interface{}) string {
	claims := p.baseClaims(audience, nonce, overrides)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.keyID
	signed, err := token.SignedString(p.privKey)
	if err != nil {
		p.t.Fatalf("idptest: failed to sign token: %v", err)
	}
	return signed
}

func (p *IDP) baseClaims(audience, nonce string, overrides map[string]interface{}) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.srv.URL,
		"aud": audience,
		"exp": now.Add(p.expiresIn).Unix(),
		"iat": now.Unix(),
		"jti": uuid.NewString(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range p.userClaims {
		claims[k] = v
	}
	for k, v := range overrides {
		claims[k] = v
	}
	return claims
}

func (p *IDP) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"issuer":                                p.srv.URL,
		"authorization_endpoint":                p.srv.URL + "/authorize",
		"token_endpoint":                        p.srv.URL + "/token",
		"jwks_uri":                              p.srv.URL + "/keys",
		"end_session_endpoint":                  p.srv.URL + "/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *IDP) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	p.jwksFetches.Add(1)
	p.mu.Lock()
	pub := &p.privKey.PublicKey
	kid := p.keyID
	p.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (p *IDP) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	state := r.URL.Query().Get("state")
	nonce := r.URL.Query().Get("nonce")

	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = nonce
	p.mu.Unlock()

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *IDP) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")
	clientID := r.FormValue("client_id")
	if clientID == "" {
		// client_secret_basic
		clientID, _, _ = r.BasicAuth()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var nonce string
	switch grantType {
	case "authorization_code":
		code := r.FormValue("code")
		storedNonce, ok := p.codes[code]
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.codes, code)
		nonce = storedNonce
	case "refresh_token":
		p.refreshCalls.Add(1)
		if p.refreshFails {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	response := map[string]interface{}{
		"access_token": p.mintLocked(clientID, "", map[string]interface{}{"typ": "access"}),
		"token_type":   "Bearer",
		"expires_in":   int(p.expiresIn.Seconds()),
		"id_token":     p.mintLocked(clientID, nonce, nil),
	}
	if !p.omitRefreshToken {
		response["refresh_token"] = uuid.NewString()
	}
	if p.refreshExpiresIn > 0 {
		response["refresh_expires_in"] = int(p.refreshExpiresIn.Seconds())
	}
	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, code)
}
