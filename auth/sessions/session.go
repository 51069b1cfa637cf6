package sessions

import (
	"time"

	"github.com/presenton/auth-service/oidc"
)

// Provider identifies which auth provider established a session. A session is
// only ever resolved by the provider that created it.
const (
	ProviderEIAM  = "eiam"
	ProviderBasic = "basic"
)

// Session is the server-owned record behind an opaque session id. Identity
// fields are always derived from the last successfully validated token, never
// from client-supplied data; raw tokens stay server-side.
type Session struct {
	ID       string
	Provider string

	// Identity (snapshot of the last validated token)
	Subject      string
	Name         string
	Email        string
	GivenName    string
	FamilyName   string
	Roles        []string
	Department   string
	Organization string
	Claims       *oidc.IdentityClaims

	// Tokens
	AccessToken  string
	RefreshToken string
	IDToken      string

	// Lifecycle
	CreatedAt   time.Time
	ExpiresAt   time.Time // absolute session expiry
	TokenExpiry time.Time // access-token expiry; refresh is triggered near this
	RefreshedAt time.Time
}

// ApplyClaims overwrites the session's identity snapshot from a freshly
// validated token.
func (s *Session) ApplyClaims(claims *oidc.IdentityClaims) {
	s.Subject = claims.Subject
	s.Name = claims.Name
	s.Email = claims.BestEmail()
	s.GivenName = claims.GivenName
	s.FamilyName = claims.FamilyName
	s.Roles = append([]string(nil), claims.Roles...)
	s.Department = claims.Department
	s.Organization = claims.Organization
	s.Claims = claims
}

// Expired reports whether the session is past its absolute expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// NeedsRefresh reports whether the access token is within margin of expiry.
func (s *Session) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !s.TokenExpiry.IsZero() && !now.Add(margin).Before(s.TokenExpiry)
}
