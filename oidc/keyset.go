package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// defaultRefreshCooldown is the minimum interval between JWKS fetches. A
// token with a kid that is still unknown after one refresh inside the
// cooldown window reports ErrUnknownKey without another network call.
const defaultRefreshCooldown = 15 * time.Second

// KeySet caches the IdP's signing keys indexed by kid. An unknown kid
// triggers at most one refresh of the full set before failing; refreshes are
// single-flighted so concurrent misses collapse into one outbound fetch.
type KeySet struct {
	resolver        *MetadataResolver
	httpClient      *http.Client
	refreshCooldown time.Duration
	nowTime         func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	group singleflight.Group
}

// KeySetOption defines a function type to modify the KeySet.
type KeySetOption func(*KeySet)

// WithKeySetHTTPClient overrides the HTTP client used for JWKS fetches.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) {
		k.httpClient = client
	}
}

// WithRefreshCooldown overrides the minimum interval between JWKS fetches.
func WithRefreshCooldown(cooldown time.Duration) KeySetOption {
	return func(k *KeySet) {
		k.refreshCooldown = cooldown
	}
}

// WithKeySetNowTime sets the now time function (primarily for testing)
func WithKeySetNowTime(nowFunc func() time.Time) KeySetOption {
	return func(k *KeySet) {
		k.nowTime = nowFunc
	}
}

// NewKeySet creates a key-set cache backed by the resolver's JWKS URI.
func NewKeySet(resolver *MetadataResolver, options ...KeySetOption) *KeySet {
	k := &KeySet{
		resolver:        resolver,
		httpClient:      cleanhttp.DefaultPooledClient(),
		refreshCooldown: defaultRefreshCooldown,
		nowTime:         time.Now,
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, opt := range options {
		opt(k)
	}
	return k
}

// VerificationKey returns the public key for the given kid. On a cache miss
// the full key set is refreshed once; a kid still unknown afterwards yields
// ErrUnknownKey.
func (k *KeySet) VerificationKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("[KeySet.VerificationKey] token has no kid header: %w", ErrUnknownKey)
	}

	k.mu.RLock()
	key, ok := k.keys[kid]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	if _, err, _ := k.group.Do("jwks", func() (interface{}, error) {
		return nil, k.refresh(ctx)
	}); err != nil {
		return nil, fmt.Errorf("[KeySet.VerificationKey] key set refresh failed: %w: %w", ErrUnknownKey, err)
	}

	k.mu.RLock()
	key, ok = k.keys[kid]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("[KeySet.VerificationKey] kid %q not in key set: %w", kid, ErrUnknownKey)
	}
	return key, nil
}

// refresh replaces the cached key set with a fresh fetch. Within the cooldown
// window it is a no-op so a storm of unknown-kid tokens cannot hammer the IdP.
func (k *KeySet) refresh(ctx context.Context) error {
	k.mu.RLock()
	lastFetch := k.fetchedAt
	k.mu.RUnlock()
	if k.nowTime().Sub(lastFetch) < k.refreshCooldown {
		return nil
	}

	metadata, err := k.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("[KeySet.refresh] %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadata.JWKSURI, nil)
	if err != nil {
		return fmt.Errorf("[KeySet.refresh] %w", err)
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("[KeySet.refresh] JWKS fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("[KeySet.refresh] JWKS endpoint returned %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("[KeySet.refresh] failed to decode JWKS: %w", err)
	}

	keys := jwks.VerificationKeys()
	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = k.nowTime()
	k.mu.Unlock()

	log.Debug().Int("keys", len(keys)).Msg("refreshed IdP key set")
	return nil
}
