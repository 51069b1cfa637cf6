package auth

import (
	"github.com/presenton/auth-service/oidc"
)

// Principal is the authenticated identity handed to request handlers and
// returned on the auth endpoints. Roles is always non-nil so JSON consumers
// see [] rather than null.
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

// PrincipalFromClaims builds a Principal from a validated identity token.
func PrincipalFromClaims(claims *oidc.IdentityClaims) Principal {
	p := Principal{
		Sub:          claims.Subject,
		Name:         claims.Name,
		Email:        claims.BestEmail(),
		GivenName:    claims.GivenName,
		FamilyName:   claims.FamilyName,
		Roles:        append([]string{}, claims.Roles...),
		Department:   claims.Department,
		Organization: claims.Organization,
	}
	if p.Roles == nil {
		p.Roles = []string{}
	}
	return p
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Allowed reports whether a request may proceed given the authentication
// result and the roles carried by the principal. An empty required role only
// demands authentication.
func Allowed(authenticated bool, roles []string, required string) bool {
	if !authenticated {
		return false
	}
	if required == "" {
		return true
	}
	for _, r := range roles {
		if r == required {
			return true
		}
	}
	return false
}
