package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/testutil"
)

func setup(t *testing.T, fp *testutil.FakeProvider) (*Manager, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	reg := provider.NewRegistry()
	reg.Register(fp)
	return New(store, reg, time.Second, nil), store
}

func oauthAccount(expiresAt int64) *ccflare.Account {
	return &ccflare.Account{
		ID: "a1", Name: "work", Kind: ccflare.KindAnthropicOAuth,
		RefreshToken: "rt", AccessToken: "at-old", AccessTokenExpiresAt: expiresAt,
	}
}

func TestCredentialStaticKey(t *testing.T) {
	t.Parallel()
	fp := &testutil.FakeProvider{ProviderKind: ccflare.KindAnthropicConsole}
	m, _ := setup(t, fp)

	a := &ccflare.Account{ID: "c1", Name: "console", Kind: ccflare.KindAnthropicConsole, APIKey: "sk-1"}
	got, err := m.Credential(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-1" {
		t.Errorf("credential = %q", got)
	}
	if fp.RefreshCalls.Load() != 0 {
		t.Error("static keys must never refresh")
	}
}

func TestCredentialValidTokenPassesThrough(t *testing.T) {
	t.Parallel()
	fp := &testutil.FakeProvider{}
	m, store := setup(t, fp)

	a := oauthAccount(time.Now().Add(time.Hour).UnixMilli())
	store.AddAccount(a)

	got, err := m.Credential(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-old" {
		t.Errorf("credential = %q", got)
	}
	if fp.RefreshCalls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", fp.RefreshCalls.Load())
	}
}

func TestCredentialRefreshesInsideSafetyMargin(t *testing.T) {
	t.Parallel()
	fp := &testutil.FakeProvider{
		RefreshFn: func(context.Context, *ccflare.Account) (string, string, int64, error) {
			return "at-new", "rt-new", time.Now().Add(time.Hour).UnixMilli(), nil
		},
	}
	m, store := setup(t, fp)

	// Expires in 30s: within the 60s margin, must refresh.
	a := oauthAccount(time.Now().Add(30 * time.Second).UnixMilli())
	store.AddAccount(a)

	got, err := m.Credential(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-new" {
		t.Errorf("credential = %q", got)
	}

	stored, _ := store.GetAccount(context.Background(), "a1")
	if stored.AccessToken != "at-new" || stored.RefreshToken != "rt-new" {
		t.Errorf("stored tokens = %q/%q", stored.AccessToken, stored.RefreshToken)
	}
}

func TestConcurrentRefreshDeduplicates(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fp := &testutil.FakeProvider{
		RefreshFn: func(context.Context, *ccflare.Account) (string, string, int64, error) {
			<-release
			return "at-new", "", time.Now().Add(time.Hour).UnixMilli(), nil
		},
	}
	m, store := setup(t, fp)
	a := oauthAccount(0)
	store.AddAccount(a)

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Credential(context.Background(), a)
		}()
	}
	// Give the goroutines time to pile onto the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "at-new" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}
	if n := fp.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

func TestRefreshFailureClearsFlight(t *testing.T) {
	t.Parallel()
	var calls int
	fp := &testutil.FakeProvider{
		RefreshFn: func(context.Context, *ccflare.Account) (string, string, int64, error) {
			calls++
			if calls == 1 {
				return "", "", 0, ccflare.ErrAuthRefresh
			}
			return "at-2", "", time.Now().Add(time.Hour).UnixMilli(), nil
		},
	}
	m, store := setup(t, fp)
	a := oauthAccount(0)
	store.AddAccount(a)

	if _, err := m.Credential(context.Background(), a); !errors.Is(err, ccflare.ErrAuthRefresh) {
		t.Fatalf("first call err = %v, want ErrAuthRefresh", err)
	}
	// The failed flight must not wedge the slot.
	got, err := m.Credential(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-2" {
		t.Errorf("credential = %q", got)
	}
}

func TestForceRefreshSkipsExchangeWhenTokenMoved(t *testing.T) {
	t.Parallel()
	fp := &testutil.FakeProvider{}
	m, store := setup(t, fp)

	a := oauthAccount(time.Now().Add(time.Hour).UnixMilli())
	store.AddAccount(a)
	// Another flight already rotated the stored token past the rejected one.
	_ = store.UpdateTokens(context.Background(), "a1", "at-rotated", "", time.Now().Add(time.Hour).UnixMilli())

	got, err := m.ForceRefresh(context.Background(), a, "at-old")
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-rotated" {
		t.Errorf("credential = %q, want stored at-rotated", got)
	}
	if fp.RefreshCalls.Load() != 0 {
		t.Error("no exchange should happen when the stored token moved")
	}
}
