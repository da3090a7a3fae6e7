package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
// Existing accounts and keys (matched by name) are left untouched.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, e := range cfg.Accounts {
		existing, _ := store.GetAccountByName(ctx, e.Name)
		if existing != nil {
			continue
		}
		acct, err := accountFromEntry(e)
		if err != nil {
			return fmt.Errorf("bootstrap account %q: %w", e.Name, err)
		}
		if err := store.CreateAccount(ctx, acct); err != nil {
			return fmt.Errorf("bootstrap account %q: %w", e.Name, err)
		}
		slog.Info("bootstrapped account", "name", acct.Name, "provider", acct.Kind)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		existing, _ := store.GetKeyByName(ctx, k.Name)
		if existing != nil {
			continue
		}
		role := ccflare.Role(k.Role)
		if role == "" {
			role = ccflare.RoleAPIOnly
		}
		key := &ccflare.APIKey{
			ID:         uuid.Must(uuid.NewV7()).String(),
			Name:       k.Name,
			HashedKey:  ccflare.HashKey(k.Key),
			PrefixLast: ccflare.KeyDisplaySuffix(k.Key),
			Role:       role,
			IsActive:   true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return fmt.Errorf("bootstrap key %q: %w", k.Name, err)
		}
		slog.Info("bootstrapped api key", "name", k.Name, "role", role)
	}

	return nil
}

func accountFromEntry(e AccountEntry) (*ccflare.Account, error) {
	kind := ccflare.ProviderKind(e.Provider)
	switch kind {
	case ccflare.KindAnthropicOAuth:
		if e.RefreshToken == "" {
			return nil, fmt.Errorf("provider %s requires refresh_token", kind)
		}
	case ccflare.KindAnthropicConsole, ccflare.KindOpenAICompat, ccflare.KindOtherAPIKey:
		if e.APIKey == "" {
			return nil, fmt.Errorf("provider %s requires api_key", kind)
		}
	default:
		return nil, fmt.Errorf("unknown provider kind %q", e.Provider)
	}

	return &ccflare.Account{
		ID:                  uuid.New().String(),
		Name:                e.Name,
		Kind:                kind,
		RefreshToken:        e.RefreshToken,
		APIKey:              e.APIKey,
		CustomEndpoint:      e.CustomEndpoint,
		ModelMappings:       e.ModelMappings,
		Tier:                max(1, e.Tier),
		Priority:            e.Priority,
		AutoFallbackEnabled: e.AutoFallback,
		AutoRefreshEnabled:  e.AutoRefresh,
		CreatedAt:           time.Now().UTC(),
	}, nil
}
