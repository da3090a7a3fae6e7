package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/testutil"
)

func newGate(t *testing.T) (*Gate, *KeyManager, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	g, err := NewGate(store)
	if err != nil {
		t.Fatal(err)
	}
	return g, NewKeyManager(store, g), store
}

func TestExempt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want bool
	}{
		{"/health", true},
		{"/api/oauth/callback", true},
		{"/", true},
		{"/index.html", true},
		{"/assets/app.js", true},
		{"/assets/Inter.woff2", true},
		{"/static/logo.webp", true},
		{"/chunk-4f2a91.woff2", true},
		{"/favicon-32x32.webp", true},
		{"/app.js.map", true},
		{"/v1/messages", false},
		{"/api/accounts", false},
		{"/api/stats", false},
	}
	for _, tt := range tests {
		if got := Exempt(tt.path); got != tt.want {
			t.Errorf("Exempt(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExtractKey(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("x-api-key", "btr-abc")
	if got := ExtractKey(r); got != "btr-abc" {
		t.Errorf("x-api-key extract = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Authorization", "bearer btr-def")
	if got := ExtractKey(r); got != "btr-def" {
		t.Errorf("case-insensitive bearer extract = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if got := ExtractKey(r); got != "" {
		t.Errorf("empty extract = %q", got)
	}
}

func TestAuthenticateDisabledWithoutKeys(t *testing.T) {
	t.Parallel()
	g, _, _ := newGate(t)

	key, err := g.Authenticate(context.Background(), "")
	if err != nil || key != nil {
		t.Errorf("open gate = (%v, %v), want (nil, nil)", key, err)
	}
}

func TestAuthenticateVerifiesAgainstHash(t *testing.T) {
	t.Parallel()
	g, km, _ := newGate(t)

	plaintext, created, err := km.CreateKey(context.Background(), "ci", ccflare.RoleAPIOnly)
	if err != nil {
		t.Fatal(err)
	}

	got, err := g.Authenticate(context.Background(), plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID {
		t.Errorf("resolved key %q, want %q", got.ID, created.ID)
	}

	if _, err := g.Authenticate(context.Background(), "btr-wrongwrongwrongwrongwrongwrong"); !errors.Is(err, ccflare.ErrUnauthorized) {
		t.Errorf("wrong key err = %v", err)
	}
	if _, err := g.Authenticate(context.Background(), "sk-not-ours"); !errors.Is(err, ccflare.ErrUnauthorized) {
		t.Errorf("foreign prefix err = %v", err)
	}
}

func TestAuthorizeRoles(t *testing.T) {
	t.Parallel()

	admin := &ccflare.APIKey{Role: ccflare.RoleAdmin}
	apiOnly := &ccflare.APIKey{Role: ccflare.RoleAPIOnly}

	tests := []struct {
		name string
		key  *ccflare.APIKey
		path string
		want error
	}{
		{"nil key open gate", nil, "/api/accounts", nil},
		{"admin on management", admin, "/api/accounts", nil},
		{"admin on proxy", admin, "/v1/messages", nil},
		{"api-only on proxy", apiOnly, "/v1/messages", nil},
		{"api-only on management", apiOnly, "/api/accounts", ccflare.ErrForbidden},
		{"api-only on stats", apiOnly, "/api/stats", ccflare.ErrForbidden},
		{"api-only on metrics", apiOnly, "/metrics", ccflare.ErrForbidden},
		{"admin on metrics", admin, "/metrics", nil},
	}
	for _, tt := range tests {
		if got := Authorize(tt.key, tt.path); !errors.Is(got, tt.want) {
			t.Errorf("%s: Authorize = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRevokedKeyRejectedAfterInvalidation(t *testing.T) {
	t.Parallel()
	g, km, _ := newGate(t)

	// Keep an admin around so the guard allows disabling the target.
	if _, _, err := km.CreateKey(context.Background(), "root", ccflare.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	plaintext, _, err := km.CreateKey(context.Background(), "victim", ccflare.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Authenticate(context.Background(), plaintext); err != nil {
		t.Fatal(err)
	}
	if err := km.SetActive(context.Background(), "victim", false); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Authenticate(context.Background(), plaintext); !errors.Is(err, ccflare.ErrUnauthorized) {
		t.Errorf("revoked key err = %v, want ErrUnauthorized", err)
	}
}

func TestLastAdminKeyGuard(t *testing.T) {
	t.Parallel()
	_, km, _ := newGate(t)

	if _, _, err := km.CreateKey(context.Background(), "root", ccflare.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if _, _, err := km.CreateKey(context.Background(), "reader", ccflare.RoleAPIOnly); err != nil {
		t.Fatal(err)
	}

	// While another active key exists the last admin is locked in place.
	if err := km.DeleteKey(context.Background(), "root"); !errors.Is(err, ccflare.ErrLastAdminKey) {
		t.Errorf("delete last admin err = %v, want ErrLastAdminKey", err)
	}
	if err := km.SetActive(context.Background(), "root", false); !errors.Is(err, ccflare.ErrLastAdminKey) {
		t.Errorf("disable last admin err = %v, want ErrLastAdminKey", err)
	}
	// Non-admin keys are not guarded.
	if err := km.DeleteKey(context.Background(), "reader"); err != nil {
		t.Errorf("delete api-only err = %v", err)
	}

	// With no other active keys the sole admin may remove itself; the gate
	// just reopens.
	if err := km.DeleteKey(context.Background(), "root"); err != nil {
		t.Errorf("delete sole admin err = %v", err)
	}

	// With a second admin either one is removable.
	if _, _, err := km.CreateKey(context.Background(), "root", ccflare.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if _, _, err := km.CreateKey(context.Background(), "backup", ccflare.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	if err := km.DeleteKey(context.Background(), "root"); err != nil {
		t.Errorf("delete admin with backup err = %v", err)
	}
}

func TestAuthenticateCacheHit(t *testing.T) {
	t.Parallel()
	g, km, _ := newGate(t)

	plaintext, _, err := km.CreateKey(context.Background(), "hot", ccflare.RoleAPIOnly)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Authenticate(context.Background(), plaintext); err != nil {
		t.Fatal(err)
	}
	// Second resolve comes from the cache; it must return the same record.
	start := time.Now()
	key, err := g.Authenticate(context.Background(), plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if key.Name != "hot" {
		t.Errorf("cached key name = %q", key.Name)
	}
	// PBKDF2 at 10k iterations is far slower than a cache hit; this is a
	// sanity bound, not a benchmark.
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cache hit took implausibly long")
	}
}
