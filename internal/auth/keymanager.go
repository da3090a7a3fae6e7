package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
)

// KeyManager handles inbound API key lifecycle. Mutations invalidate the
// gate's cache so revocations take effect immediately.
type KeyManager struct {
	store storage.APIKeyStore
	gate  *Gate
}

// NewKeyManager returns a KeyManager backed by store. gate may be nil.
func NewKeyManager(store storage.APIKeyStore, gate *Gate) *KeyManager {
	return &KeyManager{store: store, gate: gate}
}

// CreateKey generates a new key under the given name and role, stores its
// salted hash, and returns the plaintext, which is shown exactly once.
func (km *KeyManager) CreateKey(ctx context.Context, name string, role ccflare.Role) (string, *ccflare.APIKey, error) {
	if name == "" {
		return "", nil, fmt.Errorf("key name required: %w", ccflare.ErrBadRequest)
	}
	switch role {
	case ccflare.RoleAdmin, ccflare.RoleAPIOnly:
	case "":
		role = ccflare.RoleAPIOnly
	default:
		return "", nil, fmt.Errorf("unknown role %q: %w", role, ccflare.ErrBadRequest)
	}

	plaintext := ccflare.GenerateKey()
	key := &ccflare.APIKey{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Name:       name,
		HashedKey:  ccflare.HashKey(plaintext),
		PrefixLast: ccflare.KeyDisplaySuffix(plaintext),
		Role:       role,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// DeleteKey removes the named key. Deleting the last active admin key while
// other active keys exist is refused so the management API cannot lock
// itself out.
func (km *KeyManager) DeleteKey(ctx context.Context, name string) error {
	if err := km.guardLastAdmin(ctx, name); err != nil {
		return err
	}
	if err := km.store.DeleteKey(ctx, name); err != nil {
		return err
	}
	km.invalidate(name)
	return nil
}

// SetActive enables or disables the named key. Disabling the last active
// admin key is refused.
func (km *KeyManager) SetActive(ctx context.Context, name string, active bool) error {
	if !active {
		if err := km.guardLastAdmin(ctx, name); err != nil {
			return err
		}
	}
	if err := km.store.SetKeyActive(ctx, name, active); err != nil {
		return err
	}
	km.invalidate(name)
	return nil
}

// guardLastAdmin rejects removing the named key if it is the only active
// admin while other active keys remain; those keys would be locked out of
// management forever. Removing the sole active key is allowed, since that
// just reopens the gate.
func (km *KeyManager) guardLastAdmin(ctx context.Context, name string) error {
	target, err := km.store.GetKeyByName(ctx, name)
	if err != nil {
		return err
	}
	if target.Role != ccflare.RoleAdmin || !target.IsActive {
		return nil
	}
	active, err := km.store.ListActiveKeys(ctx)
	if err != nil {
		return err
	}
	admins := 0
	for _, k := range active {
		if k.Role == ccflare.RoleAdmin {
			admins++
		}
	}
	if admins <= 1 && len(active) > 1 {
		return ccflare.ErrLastAdminKey
	}
	return nil
}

func (km *KeyManager) invalidate(name string) {
	if km.gate != nil {
		km.gate.Invalidate(name)
	}
}
