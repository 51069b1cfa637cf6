package oidc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/presenton/auth-service/internal/idptest"
	"github.com/presenton/auth-service/oidc"
)

const testClientID = "test-client-1"

func newValidator(t *testing.T, idp *idptest.IDP, options ...oidc.ValidatorOption) *oidc.Validator {
	t.Helper()
	resolver := oidc.NewMetadataResolver(idp.Issuer(), 30*time.Minute)
	keySet := oidc.NewKeySet(resolver)
	return oidc.NewValidator(keySet, idp.Issuer(), testClientID, options...)
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{"nonce": "nonce-1"})

	claims, err := validator.Validate(context.Background(), token, "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.Subject)
	require.Equal(t, "john.doe@example.com", claims.BestEmail())
	require.Equal(t, []string{"user"}, claims.Roles)
	require.Equal(t, "Engineering", claims.Department)
}

func TestValidateEmailFallsBackToPreferredUsername(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{
		"email":              "",
		"preferred_username": "jdoe@example.com",
	})

	claims, err := validator.Validate(context.Background(), token, "")
	require.NoError(t, err)
	require.Equal(t, "jdoe@example.com", claims.BestEmail())
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{
		"exp": time.Now().Add(-1 * time.Minute).Unix(),
	})

	_, err := validator.Validate(context.Background(), token, "")
	require.ErrorIs(t, err, oidc.ErrTokenExpired)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{"iss": "https://evil.example.com"})

	_, err := validator.Validate(context.Background(), token, "")
	require.ErrorIs(t, err, oidc.ErrIssuerMismatch)
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint("someone-else", nil)

	_, err := validator.Validate(context.Background(), token, "")
	require.ErrorIs(t, err, oidc.ErrAudienceMismatch)
}

func TestValidateRejectsNonceMismatch(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{"nonce": "nonce-1"})

	_, err := validator.Validate(context.Background(), token, "a-different-nonce")
	require.ErrorIs(t, err, oidc.ErrNonceMismatch)
}

func TestValidateSkipsNonceCheckWithoutExpectedNonce(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{"nonce": "nonce-1"})

	_, err := validator.Validate(context.Background(), token, "")
	require.NoError(t, err)
}

func TestValidateRejectsFutureIssuedAt(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	token := idp.Mint(testClientID, map[string]interface{}{
		"iat": time.Now().Add(10 * time.Minute).Unix(),
	})

	_, err := validator.Validate(context.Background(), token, "")
	require.ErrorIs(t, err, oidc.ErrInvalidIssuedAt)
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	_, err := validator.Validate(context.Background(), "not-a-jwt", "")
	require.ErrorIs(t, err, oidc.ErrMalformedToken)
}

func TestValidateRejectsForgedSignature(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	// Signed by an unrelated key but claiming the IdP's published kid.
	forged := idp.MintWithKey(idptest.NewSigningKey(t), idp.KeyID(), testClientID, nil)

	_, err := validator.Validate(context.Background(), forged, "")
	require.ErrorIs(t, err, oidc.ErrBadSignature)
}

func TestValidateUnknownKidRefreshesKeySetOnce(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	// A kid the IdP never published against a cold cache: exactly one
	// refresh attempt, then UnknownKey.
	unknown := idp.MintWithKey(idptest.NewSigningKey(t), "no-such-kid", testClientID, nil)

	_, err := validator.Validate(context.Background(), unknown, "")
	require.ErrorIs(t, err, oidc.ErrUnknownKey)
	require.Equal(t, int64(1), idp.JWKSFetchCount())
}

func TestValidateUnknownKidInsideCooldownDoesNotRefetch(t *testing.T) {
	idp := idptest.New(t)
	validator := newValidator(t, idp)

	// Prime the key set, starting the cooldown window.
	_, err := validator.Validate(context.Background(), idp.Mint(testClientID, nil), "")
	require.NoError(t, err)
	require.Equal(t, int64(1), idp.JWKSFetchCount())

	unknown := idp.MintWithKey(idptest.NewSigningKey(t), "no-such-kid", testClientID, nil)

	_, err = validator.Validate(context.Background(), unknown, "")
	require.ErrorIs(t, err, oidc.ErrUnknownKey)
	require.Equal(t, int64(1), idp.JWKSFetchCount())
}

func TestValidateRecoversAfterKeyRotation(t *testing.T) {
	idp := idptest.New(t)
	resolver := oidc.NewMetadataResolver(idp.Issuer(), 30*time.Minute)
	keySet := oidc.NewKeySet(resolver, oidc.WithRefreshCooldown(0))
	validator := oidc.NewValidator(keySet, idp.Issuer(), testClientID)

	_, err := validator.Validate(context.Background(), idp.Mint(testClientID, nil), "")
	require.NoError(t, err)

	idp.RotateKeys()

	// The new kid misses the cache, triggering a refresh that finds it.
	_, err = validator.Validate(context.Background(), idp.Mint(testClientID, nil), "")
	require.NoError(t, err)
}
