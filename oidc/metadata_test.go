package oidc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	autherrors "github.com/presenton/auth-service/internal/errors"
	"github.com/presenton/auth-service/internal/idptest"
	"github.com/presenton/auth-service/oidc"
)

// fakeClock is a mutable clock shared with a resolver under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestResolveFetchesAndCaches(t *testing.T) {
	idp := idptest.New(t)
	resolver := oidc.NewMetadataResolver(idp.Issuer(), 30*time.Minute)

	metadata, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, idp.Issuer(), metadata.Issuer)
	require.Equal(t, idp.Issuer()+"/authorize", metadata.AuthorizationEndpoint)
	require.Equal(t, idp.Issuer()+"/token", metadata.TokenEndpoint)
	require.Equal(t, idp.Issuer()+"/keys", metadata.JWKSURI)
	require.Equal(t, idp.Issuer()+"/logout", metadata.EndSessionEndpoint)

	// Second resolve is served from cache, identical value.
	again, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, metadata, again)
}

func TestResolveServesStaleCacheWhileProviderDown(t *testing.T) {
	idp := idptest.New(t)
	clock := newFakeClock()
	resolver := oidc.NewMetadataResolver(idp.Issuer(), 10*time.Minute, oidc.WithMetadataNowTime(clock.Now))

	metadata, err := resolver.Resolve(context.Background())
	require.NoError(t, err)

	idp.Close()
	clock.Advance(15 * time.Minute) // past the soft TTL, inside the hard TTL

	stale, err := resolver.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, metadata, stale)
}

func TestResolveFailsOnceCacheHardExpires(t *testing.T) {
	idp := idptest.New(t)
	clock := newFakeClock()
	resolver := oidc.NewMetadataResolver(idp.Issuer(), 10*time.Minute, oidc.WithMetadataNowTime(clock.Now))

	_, err := resolver.Resolve(context.Background())
	require.NoError(t, err)

	idp.Close()
	clock.Advance(61 * time.Minute) // beyond hard TTL (6x soft)

	_, err = resolver.Resolve(context.Background())
	require.ErrorIs(t, err, autherrors.ErrConfigurationUnavailable)
}

func TestResolveColdStartAgainstDeadProviderFails(t *testing.T) {
	idp := idptest.New(t)
	issuer := idp.Issuer()
	idp.Close()

	resolver := oidc.NewMetadataResolver(issuer, 10*time.Minute)

	_, err := resolver.Resolve(context.Background())
	require.ErrorIs(t, err, autherrors.ErrConfigurationUnavailable)
}
