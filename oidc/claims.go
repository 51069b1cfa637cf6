package oidc

import (
	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims is the claim set extracted from a validated EIAM ID token.
// The registered claims carry iss/sub/aud/exp/iat; the named fields are the
// EIAM profile claims surfaced to the application.
type IdentityClaims struct {
	jwt.RegisteredClaims

	Name              string   `json:"name,omitempty"`
	Email             string   `json:"email,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	GivenName         string   `json:"given_name,omitempty"`
	FamilyName        string   `json:"family_name,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Department        string   `json:"department,omitempty"`
	Organization      string   `json:"organization,omitempty"`
	Nonce             string   `json:"nonce,omitempty"`
}

// BestEmail returns the email claim, falling back to preferred_username the
// way the EIAM broker populates accounts without a mail attribute.
func (c *IdentityClaims) BestEmail() string {
	if c.Email != "" {
		return c.Email
	}
	return c.PreferredUsername
}

// HasAudience reports whether aud contains the given audience.
func (c *IdentityClaims) HasAudience(audience string) bool {
	for _, a := range c.Audience {
		if a == audience {
			return true
		}
	}
	return false
}
