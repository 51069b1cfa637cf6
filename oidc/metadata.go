package oidc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	autherrors "github.com/presenton/auth-service/internal/errors"
)

// ProviderMetadata is the cached subset of the IdP discovery document.
// Replaced as a whole object on refresh, never mutated in place.
type ProviderMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	EndSessionEndpoint    string
}

// hardTTLFactor bounds how long a stale cached document may still be served
// when the IdP is unreachable, as a multiple of the refresh TTL.
const hardTTLFactor = 6

// MetadataResolver fetches and caches the IdP's OIDC discovery document.
// Safe for concurrent callers: a fetch in flight is shared, and a transient
// fetch failure falls back to the last good value until it hard-expires.
type MetadataResolver struct {
	issuer     string
	httpClient *http.Client
	ttl        time.Duration
	nowTime    func() time.Time

	mu        sync.RWMutex
	cached    *ProviderMetadata
	fetchedAt time.Time

	group singleflight.Group
}

// MetadataResolverOption defines a function type to modify the resolver.
type MetadataResolverOption func(*MetadataResolver)

// WithMetadataHTTPClient overrides the HTTP client used for discovery fetches.
func WithMetadataHTTPClient(client *http.Client) MetadataResolverOption {
	return func(r *MetadataResolver) {
		r.httpClient = client
	}
}

// WithMetadataNowTime sets the now time function (primarily for testing)
func WithMetadataNowTime(nowFunc func() time.Time) MetadataResolverOption {
	return func(r *MetadataResolver) {
		r.nowTime = nowFunc
	}
}

// NewMetadataResolver creates a resolver for the given issuer. No network
// call is made until the first Resolve.
func NewMetadataResolver(issuer string, ttl time.Duration, options ...MetadataResolverOption) *MetadataResolver {
	r := &MetadataResolver{
		issuer:     issuer,
		httpClient: cleanhttp.DefaultPooledClient(),
		ttl:        ttl,
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Resolve returns the provider metadata, fetching it on cold start or TTL
// expiry. Concurrent callers during a fetch share the in-flight result.
func (r *MetadataResolver) Resolve(ctx context.Context) (*ProviderMetadata, error) {
	r.mu.RLock()
	if r.cached != nil && r.nowTime().Sub(r.fetchedAt) < r.ttl {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	result, err, _ := r.group.Do("metadata", func() (interface{}, error) {
		// Double-check after acquiring the singleflight slot: another caller
		// may have refreshed while this one waited.
		r.mu.RLock()
		if r.cached != nil && r.nowTime().Sub(r.fetchedAt) < r.ttl {
			cached := r.cached
			r.mu.RUnlock()
			return cached, nil
		}
		r.mu.RUnlock()

		metadata, fetchErr := r.fetch(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}

		r.mu.Lock()
		r.cached = metadata
		r.fetchedAt = r.nowTime()
		r.mu.Unlock()

		return metadata, nil
	})

	if err == nil {
		return result.(*ProviderMetadata), nil
	}

	// Fetch failed: serve the last good value unless it has hard-expired.
	r.mu.RLock()
	cached, fetchedAt := r.cached, r.fetchedAt
	r.mu.RUnlock()
	if cached != nil && r.nowTime().Sub(fetchedAt) < hardTTLFactor*r.ttl {
		log.Warn().Err(err).Str("issuer", r.issuer).Msg("discovery fetch failed, serving cached provider metadata")
		return cached, nil
	}

	return nil, fmt.Errorf("[MetadataResolver.Resolve] %w: %w", autherrors.ErrConfigurationUnavailable, err)
}

func (r *MetadataResolver) fetch(ctx context.Context) (*ProviderMetadata, error) {
	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, r.httpClient), r.issuer)
	if err != nil {
		return nil, fmt.Errorf("[MetadataResolver.fetch] discovery request failed: %w", err)
	}

	var doc struct {
		JWKSURI            string `json:"jwks_uri"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("[MetadataResolver.fetch] failed to decode discovery document: %w", err)
	}

	endpoint := provider.Endpoint()
	return &ProviderMetadata{
		Issuer:                r.issuer,
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		JWKSURI:               doc.JWKSURI,
		EndSessionEndpoint:    doc.EndSessionEndpoint,
	}, nil
}
