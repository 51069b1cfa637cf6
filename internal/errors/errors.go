package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the auth subsystem. Configuration errors are fatal at
// startup, protocol errors reject the specific flow and are never retried,
// session errors collapse to "not authenticated" at the guard boundary.
var (
	// Configuration errors
	ErrMissingClientID          = errors.New("missing client id")
	ErrMissingClientSecret      = errors.New("missing client secret")
	ErrMissingTenantID          = errors.New("missing tenant id")
	ErrMissingRedirectURI       = errors.New("missing redirect uri")
	ErrSessionSecretTooShort    = errors.New("session secret must be at least 32 characters")
	ErrConfigurationUnavailable = errors.New("provider configuration unavailable")

	// Protocol errors
	ErrInvalidState             = errors.New("invalid state parameter")
	ErrMissingIDToken           = errors.New("id_token missing from token response")
	ErrCallbackValidationFailed = errors.New("callback token validation failed")

	// Session errors
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrRefreshFailed    = errors.New("session refresh failed")
	ErrNotAuthenticated = errors.New("not authenticated")

	// Authorization errors
	ErrForbidden = errors.New("forbidden")

	// Basic-auth fallback errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserBlocked        = errors.New("user is blocked")
	ErrUserNotFound       = errors.New("user not found")

	// General errors
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
