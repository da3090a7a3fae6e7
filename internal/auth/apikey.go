// Package auth implements inbound API key authentication for the proxy.
// Keys are verified against their stored salted hashes and cached in a
// W-TinyLFU cache.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// exemptPrefixes are always reachable without a key. The static, assets,
// chunk and favicon prefixes match the dashboard bundle layout.
var exemptPrefixes = []string{
	"/health",
	"/api/oauth/",
	"/static/",
	"/assets/",
	"/chunk-",
	"/favicon-",
}

// exemptSuffixes cover static assets served next to the API.
var exemptSuffixes = []string{
	".html", ".css", ".js", ".ico", ".png", ".svg", ".map",
}

// Gate authenticates inbound requests. When the store holds no active keys
// the gate is open: every request passes with a nil key.
type Gate struct {
	store     storage.APIKeyStore
	cache     *otter.Cache[string, *ccflare.APIKey]
	nameToRaw sync.Map // key name -> raw secret, for cache invalidation
}

// NewGate returns a Gate backed by store.
func NewGate(store storage.APIKeyStore) (*Gate, error) {
	c, err := otter.New(&otter.Options[string, *ccflare.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *ccflare.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Gate{store: store, cache: c}, nil
}

// Exempt reports whether a path never requires authentication.
func Exempt(path string) bool {
	for _, p := range exemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, s := range exemptSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return path == "/"
}

// ExtractKey pulls the raw inbound key from x-api-key or a Bearer
// Authorization header. The Bearer scheme comparison is case-insensitive.
func ExtractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// Authenticate resolves a raw inbound key to its stored record. It returns
// (nil, nil) when authentication is disabled because no active keys exist.
func (g *Gate) Authenticate(ctx context.Context, raw string) (*ccflare.APIKey, error) {
	active, err := g.store.ListActiveKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}
	if raw == "" || !strings.HasPrefix(raw, ccflare.APIKeyPrefix) {
		return nil, ccflare.ErrUnauthorized
	}

	if key, ok := g.cache.GetIfPresent(raw); ok {
		if !key.IsActive {
			g.cache.Invalidate(raw)
			return nil, ccflare.ErrUnauthorized
		}
		return key, nil
	}

	// Each key carries its own salt, so resolution is a verify per active
	// key. The PBKDF2 comparison itself is constant time.
	for _, key := range active {
		if ccflare.VerifyKey(raw, key.HashedKey) {
			g.cache.Set(raw, key)
			g.nameToRaw.Store(key.Name, raw)
			g.touchAsync(ctx, key.ID)
			return key, nil
		}
	}
	return nil, ccflare.ErrUnauthorized
}

// Authorize checks the resolved key's role against the requested path.
// Management paths under /api/ and the metrics endpoint require the admin
// role; a nil key means the gate is open and everything is allowed.
func Authorize(key *ccflare.APIKey, path string) error {
	if key == nil {
		return nil
	}
	if key.Role == ccflare.RoleAdmin {
		return nil
	}
	if strings.HasPrefix(path, "/api/") || path == "/metrics" {
		return ccflare.ErrForbidden
	}
	return nil
}

// Invalidate drops a key's cache entry after an admin mutation. Unknown
// names are a no-op; the cache TTL bounds staleness either way.
func (g *Gate) Invalidate(name string) {
	if raw, ok := g.nameToRaw.LoadAndDelete(name); ok {
		g.cache.Invalidate(raw.(string))
	}
}

// touchAsync bumps the key's usage counter off the request path.
func (g *Gate) touchAsync(ctx context.Context, id string) {
	go func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = g.store.TouchKeyUsed(tctx, id)
	}()
}

// IsAuthError reports whether err is an authentication or authorization
// failure rather than an internal one.
func IsAuthError(err error) bool {
	return errors.Is(err, ccflare.ErrUnauthorized) || errors.Is(err, ccflare.ErrForbidden)
}
