package config

import "strings"

// EIAMConfig is the identity-provider configuration surface. The EIAM broker
// is an Azure AD style IdP: endpoints are rooted at {authority}/{tenant} and
// the token issuer is {authority}/{tenant}/v2.0.
type EIAMConfig interface {
	GetClientID() string
	GetClientSecret() string
	GetAuthority() string
	GetTenantID() string
	GetIssuer() string
	GetRedirectURI() string
	GetScopes() []string
	IsEIAMEnabled() bool
}

type EIAM struct{}

var _ EIAMConfig = EIAM{}

func (EIAM) GetClientID() string {
	return GetEnv("EIAM_CLIENT_ID", "")
}

func (EIAM) GetClientSecret() string {
	return GetEnv("EIAM_CLIENT_SECRET", "")
}

func (EIAM) GetAuthority() string {
	return strings.TrimSuffix(GetEnv("EIAM_AUTHORITY", "https://login.microsoftonline.com"), "/")
}

func (EIAM) GetTenantID() string {
	return GetEnv("EIAM_TENANT_ID", "")
}

func (e EIAM) GetIssuer() string {
	return e.GetAuthority() + "/" + e.GetTenantID() + "/v2.0"
}

func (EIAM) GetRedirectURI() string {
	return GetEnv("EIAM_REDIRECT_URI", "http://localhost:8080/auth/callback")
}

func (EIAM) GetScopes() []string {
	scope := GetEnv("EIAM_SCOPE", "openid profile email")
	return strings.Fields(scope)
}

// IsEIAMEnabled reports whether the EIAM provider is switched on. The provider
// list also encodes precedence: EIAM is authoritative whenever it appears;
// basic auth is only consulted when EIAM is absent from the list.
func (EIAM) IsEIAMEnabled() bool {
	return providerListed("eiam")
}

func providerListed(name string) bool {
	providers := GetEnv("AUTH_PROVIDERS", "eiam")
	for _, p := range strings.Split(providers, ",") {
		if strings.EqualFold(strings.TrimSpace(p), name) {
			return true
		}
	}
	return false
}
