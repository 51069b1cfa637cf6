package config

import (
	"strconv"
	"time"
)

type SecurityConfig interface {
	GetSessionSecret() string
	GetSessionCookieName() string
	GetMaxSessionAge() time.Duration
	GetRefreshMargin() time.Duration
	GetStateTTL() time.Duration
	GetMetadataTTL() time.Duration
	IsBasicAuthEnabled() bool
	IsGuestModeEnabled() bool
	GetEnableRateLimiting() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

func (Security) GetSessionSecret() string {
	return GetEnv("SESSION_SECRET", "")
}

func (Security) GetSessionCookieName() string {
	return GetEnv("SESSION_COOKIE_NAME", "session_id")
}

// GetMaxSessionAge is the absolute session lifetime. The effective lifetime of
// any single session is clamped to the refresh token validity asserted by the
// IdP, so this is an upper bound rather than a guarantee.
func (Security) GetMaxSessionAge() time.Duration {
	return durationEnv("SESSION_MAX_AGE_MINUTES", 8*time.Hour)
}

// GetRefreshMargin is how close to access-token expiry the guard starts
// refreshing. Requests inside the margin trigger a refresh before proceeding.
func (Security) GetRefreshMargin() time.Duration {
	return durationEnv("SESSION_REFRESH_MARGIN_MINUTES", 5*time.Minute)
}

// GetStateTTL bounds how long a pending authorization request may wait for
// its callback before it is swept.
func (Security) GetStateTTL() time.Duration {
	return durationEnv("AUTH_STATE_TTL_MINUTES", 10*time.Minute)
}

func (Security) GetMetadataTTL() time.Duration {
	return durationEnv("OIDC_METADATA_TTL_MINUTES", 30*time.Minute)
}

func (Security) IsBasicAuthEnabled() bool {
	return providerListed("basic")
}

// IsGuestModeEnabled disables the auth layer entirely: every request is served
// with an anonymous guest principal and no cookies are issued.
func (Security) IsGuestModeEnabled() bool {
	return boolEnv("GUEST_MODE", false)
}

func (Security) GetEnableRateLimiting() bool {
	return boolEnv("AUTH_RATE_LIMITING", true)
}

func durationEnv(envVar string, defaultValue time.Duration) time.Duration {
	raw := GetEnv(envVar, "")
	if raw == "" {
		return defaultValue
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return defaultValue
	}
	return time.Duration(minutes) * time.Minute
}

func boolEnv(envVar string, defaultValue bool) bool {
	raw := GetEnv(envVar, "")
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return value
}
