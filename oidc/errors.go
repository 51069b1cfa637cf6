package oidc

import "errors"

// Validation errors are deliberately distinct: the guard retries an expired
// token through the refresh path, while a bad signature or nonce mismatch
// invalidates the whole flow and must never be retried.
var (
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrBadSignature     = errors.New("invalid token signature")
	ErrMalformedToken   = errors.New("malformed token")
	ErrTokenExpired     = errors.New("token expired")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrNonceMismatch    = errors.New("nonce mismatch")
	ErrInvalidIssuedAt  = errors.New("token issued in the future")
)
