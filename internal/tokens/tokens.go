// Package tokens manages upstream credentials: static API keys pass through,
// OAuth access tokens are refreshed on expiry with per-account deduplication.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/storage"
)

// safetyMargin treats tokens expiring within this window as already expired,
// so a request never departs with a token that dies mid-flight.
const safetyMargin = 60 * time.Second

// Manager hands out upstream credentials. Refreshes are serialized per
// account through singleflight: concurrent requests on the same expired
// account share one upstream exchange, while different accounts refresh in
// parallel.
type Manager struct {
	store    storage.AccountStore
	registry *provider.Registry
	group    singleflight.Group
	timeout  time.Duration
	log      *slog.Logger
}

// New returns a Manager. refreshTimeout bounds one token exchange.
func New(store storage.AccountStore, registry *provider.Registry, refreshTimeout time.Duration, log *slog.Logger) *Manager {
	if refreshTimeout <= 0 {
		refreshTimeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, registry: registry, timeout: refreshTimeout, log: log}
}

// Credential returns the credential to authenticate an upstream request for
// the account: the stored API key for key-based kinds, a valid access token
// for OAuth kinds, refreshing first if needed.
func (m *Manager) Credential(ctx context.Context, a *ccflare.Account) (string, error) {
	if a.Kind != ccflare.KindAnthropicOAuth {
		if a.APIKey == "" {
			return "", fmt.Errorf("account %s: no api key: %w", a.Name, ccflare.ErrAuthRefresh)
		}
		return a.APIKey, nil
	}
	if tokenValid(a.AccessToken, a.AccessTokenExpiresAt) {
		return a.AccessToken, nil
	}
	return m.refresh(ctx, a, a.AccessToken)
}

// ForceRefresh discards a token the upstream just rejected and obtains a new
// one. Concurrent rejections of the same token collapse into one exchange.
func (m *Manager) ForceRefresh(ctx context.Context, a *ccflare.Account, rejected string) (string, error) {
	return m.refresh(ctx, a, rejected)
}

// refresh runs one deduplicated token exchange. stale is the token the
// caller considers unusable; if the stored token has moved past it (another
// flight won), the stored one is returned without a new exchange.
func (m *Manager) refresh(ctx context.Context, a *ccflare.Account, stale string) (string, error) {
	v, err, _ := m.group.Do(a.ID, func() (any, error) {
		fresh, err := m.store.GetAccount(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("reload account %s: %w", a.Name, err)
		}
		if fresh.AccessToken != stale && tokenValid(fresh.AccessToken, fresh.AccessTokenExpiresAt) {
			return fresh.AccessToken, nil
		}

		p, err := m.registry.Get(fresh.Kind)
		if err != nil {
			return nil, err
		}
		refresher, ok := p.(provider.TokenRefresher)
		if !ok {
			return nil, fmt.Errorf("account %s: kind %s cannot refresh: %w", fresh.Name, fresh.Kind, ccflare.ErrAuthRefresh)
		}

		// The exchange outlives any one waiter's cancellation; every waiter
		// shares its result.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		access, refreshToken, expiresAt, err := refresher.RefreshCredentials(rctx, fresh)
		if err != nil {
			m.log.LogAttrs(rctx, slog.LevelWarn, "token refresh failed",
				slog.String("account", fresh.Name), slog.String("error", err.Error()))
			return nil, err
		}
		if err := m.store.UpdateTokens(rctx, fresh.ID, access, refreshToken, expiresAt); err != nil {
			return nil, fmt.Errorf("store tokens for %s: %w", fresh.Name, err)
		}
		m.log.LogAttrs(rctx, slog.LevelInfo, "token refreshed",
			slog.String("account", fresh.Name),
			slog.Int64("expires_at", expiresAt))
		return access, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func tokenValid(token string, expiresAtMs int64) bool {
	return token != "" && expiresAtMs > time.Now().Add(safetyMargin).UnixMilli()
}
