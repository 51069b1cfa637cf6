package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultIssuedAtLeeway tolerates small clock skew between this service and
// the IdP when checking that iat is not in the future.
const defaultIssuedAtLeeway = 2 * time.Minute

// Validator verifies signed ID tokens against the cached key set. Each check
// fails with its own sentinel so callers can distinguish a refreshable expiry
// from a terminal protocol violation.
type Validator struct {
	keys           *KeySet
	issuer         string
	audience       string
	issuedAtLeeway time.Duration
	nowTime        func() time.Time
	parser         *jwt.Parser
}

// ValidatorOption defines a function type to modify the Validator.
type ValidatorOption func(*Validator)

// WithIssuedAtLeeway overrides the clock-skew tolerance for the iat check.
func WithIssuedAtLeeway(leeway time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.issuedAtLeeway = leeway
	}
}

// WithValidatorNowTime sets the now time function (primarily for testing)
func WithValidatorNowTime(nowFunc func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.nowTime = nowFunc
	}
}

// NewValidator creates a validator expecting tokens issued by issuer for
// audience (the client id).
func NewValidator(keys *KeySet, issuer, audience string, options ...ValidatorOption) *Validator {
	v := &Validator{
		keys:           keys,
		issuer:         issuer,
		audience:       audience,
		issuedAtLeeway: defaultIssuedAtLeeway,
		nowTime:        time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Validate parses and verifies rawToken. expectedNonce is the nonce bound to
// the authorization request that produced the token; pass "" when the token
// was not obtained through a nonce-carrying flow (refresh grants).
//
// Checks run in order: signature (via the key from the kid header), issuer,
// audience, expiry, issued-at plausibility, nonce.
func (v *Validator) Validate(ctx context.Context, rawToken, expectedNonce string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, kid)
	})
	if err != nil {
		return nil, v.classifyParseError(err)
	}

	now := v.nowTime()

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("[Validator.Validate] got issuer %q, want %q: %w", claims.Issuer, v.issuer, ErrIssuerMismatch)
	}
	if !claims.HasAudience(v.audience) {
		return nil, fmt.Errorf("[Validator.Validate] audience %v does not contain %q: %w", claims.Audience, v.audience, ErrAudienceMismatch)
	}
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("[Validator.Validate] %w", ErrTokenExpired)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(now.Add(v.issuedAtLeeway)) {
		return nil, fmt.Errorf("[Validator.Validate] iat %v is in the future: %w", claims.IssuedAt.Time, ErrInvalidIssuedAt)
	}
	if expectedNonce != "" && claims.Nonce != expectedNonce {
		return nil, fmt.Errorf("[Validator.Validate] %w", ErrNonceMismatch)
	}

	return claims, nil
}

func (v *Validator) classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return err
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("[Validator.Validate] %w", ErrBadSignature)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("[Validator.Validate] %w: %w", ErrMalformedToken, err)
	default:
		return fmt.Errorf("[Validator.Validate] %w: %w", ErrBadSignature, err)
	}
}
