// Package testutil provides configurable test fakes for proxy interfaces.
package testutil

import (
	"context"
	"sync"

	ccflare "github.com/ccflare/ccflare/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
// Account mutators mirror the real store's semantics closely enough for
// selector and dispatcher tests: holds only advance, session resets zero
// the window counters, counters are monotone.
type FakeStore struct {
	mu       sync.RWMutex
	accounts map[string]*ccflare.Account
	order    []string // insertion order, list output sorts by priority over it
	keys     map[string]*ccflare.APIKey
	sessions map[string]*ccflare.OAuthSession

	Requests []ccflare.RequestRecord
	Payloads []ccflare.RequestPayload

	// UpdateTokensErr, when set, is returned from UpdateTokens.
	UpdateTokensErr error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		accounts: make(map[string]*ccflare.Account),
		keys:     make(map[string]*ccflare.APIKey),
		sessions: make(map[string]*ccflare.OAuthSession),
	}
}

// AddAccount inserts a copy of the account.
func (s *FakeStore) AddAccount(a *ccflare.Account) {
	s.mu.Lock()
	cp := *a
	s.accounts[a.ID] = &cp
	s.order = append(s.order, a.ID)
	s.mu.Unlock()
}

// --- AccountStore ---

func (s *FakeStore) CreateAccount(_ context.Context, a *ccflare.Account) error {
	s.AddAccount(a)
	return nil
}

func (s *FakeStore) GetAccount(_ context.Context, id string) (*ccflare.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ccflare.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *FakeStore) GetAccountByName(_ context.Context, name string) (*ccflare.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ccflare.ErrNotFound
}

func (s *FakeStore) ListAccounts(context.Context) ([]*ccflare.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ccflare.Account, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := s.accounts[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	// Priority ascending, stable over insertion order like the real store's
	// priority/name ordering.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Priority > out[j].Priority; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (s *FakeStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ccflare.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *FakeStore) UpdateTokens(_ context.Context, id, accessToken, refreshToken string, expiresAtMs int64) error {
	if s.UpdateTokensErr != nil {
		return s.UpdateTokensErr
	}
	return s.mutate(id, func(a *ccflare.Account) {
		a.AccessToken = accessToken
		if refreshToken != "" {
			a.RefreshToken = refreshToken
		}
		a.AccessTokenExpiresAt = expiresAtMs
	})
}

func (s *FakeStore) MarkRateLimited(_ context.Context, id string, untilMs int64, status string, remaining, resetMs *int64) error {
	return s.mutate(id, func(a *ccflare.Account) {
		if a.RateLimitedUntil == nil || *a.RateLimitedUntil < untilMs {
			u := untilMs
			a.RateLimitedUntil = &u
		}
		a.RateLimitStatus = status
		if remaining != nil {
			a.RateLimitRemaining = remaining
		}
		if resetMs != nil {
			a.RateLimitReset = resetMs
		}
	})
}

func (s *FakeStore) UpdateRateLimitWindow(_ context.Context, id string, remaining, resetMs *int64, status string) error {
	return s.mutate(id, func(a *ccflare.Account) {
		if remaining != nil {
			a.RateLimitRemaining = remaining
		}
		if resetMs != nil {
			a.RateLimitReset = resetMs
		}
		if status != "" {
			a.RateLimitStatus = status
		}
	})
}

func (s *FakeStore) ClearExpiredRateLimits(_ context.Context, nowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.accounts {
		if a.RateLimitedUntil != nil && *a.RateLimitedUntil <= nowMs {
			a.RateLimitedUntil = nil
			a.RateLimitStatus = ""
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) ResetSession(_ context.Context, id string, nowMs int64) error {
	return s.mutate(id, func(a *ccflare.Account) {
		start := nowMs
		a.SessionStart = &start
		a.SessionRequestCount = 0
		a.RequestCount = 0
	})
}

func (s *FakeStore) IncrementRequestCounters(_ context.Context, id string, nowMs int64, countSession bool) error {
	return s.mutate(id, func(a *ccflare.Account) {
		a.RequestCount++
		a.TotalRequests++
		if countSession {
			a.SessionRequestCount++
		}
		t := nowMs
		a.LastUsed = &t
	})
}

func (s *FakeStore) SetPaused(_ context.Context, id string, paused bool) error {
	return s.mutate(id, func(a *ccflare.Account) { a.Paused = paused })
}

func (s *FakeStore) SetPriority(_ context.Context, id string, priority int) error {
	return s.mutate(id, func(a *ccflare.Account) { a.Priority = priority })
}

func (s *FakeStore) SetTier(_ context.Context, id string, tier int) error {
	return s.mutate(id, func(a *ccflare.Account) { a.Tier = tier })
}

func (s *FakeStore) SetAutoFallback(_ context.Context, id string, enabled bool) error {
	return s.mutate(id, func(a *ccflare.Account) { a.AutoFallbackEnabled = enabled })
}

func (s *FakeStore) SetCustomEndpoint(_ context.Context, id, endpoint string) error {
	return s.mutate(id, func(a *ccflare.Account) { a.CustomEndpoint = endpoint })
}

func (s *FakeStore) mutate(id string, fn func(*ccflare.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ccflare.ErrNotFound
	}
	fn(a)
	return nil
}

// --- RequestStore ---

func (s *FakeStore) InsertRequests(_ context.Context, recs []ccflare.RequestRecord) error {
	s.mu.Lock()
	s.Requests = append(s.Requests, recs...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) InsertPayloads(_ context.Context, payloads []ccflare.RequestPayload) error {
	s.mu.Lock()
	s.Payloads = append(s.Payloads, payloads...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListRequests(_ context.Context, limit int) ([]ccflare.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ccflare.RequestRecord, len(s.Requests))
	copy(out, s.Requests)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) GetPayload(_ context.Context, id string) (*ccflare.RequestPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.Payloads {
		if s.Payloads[i].ID == id {
			cp := s.Payloads[i]
			return &cp, nil
		}
	}
	return nil, ccflare.ErrNotFound
}

func (s *FakeStore) DeleteRequestsBefore(_ context.Context, cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.Requests[:0]
	var n int64
	for _, r := range s.Requests {
		if r.Timestamp < cutoffMs {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.Requests = kept
	return n, nil
}

func (s *FakeStore) DeletePayloadsBefore(context.Context, int64) (int64, error) { return 0, nil }

func (s *FakeStore) Stats(context.Context) (*ccflare.StatsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &ccflare.StatsSummary{TotalRequests: int64(len(s.Requests))}, nil
}

func (s *FakeStore) Analytics(context.Context, int64, int64) (*ccflare.AnalyticsReport, error) {
	return &ccflare.AnalyticsReport{}, nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, k *ccflare.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.Name]; ok {
		return ccflare.ErrConflict
	}
	cp := *k
	s.keys[k.Name] = &cp
	return nil
}

func (s *FakeStore) GetKeyByName(_ context.Context, name string) (*ccflare.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[name]
	if !ok {
		return nil, ccflare.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *FakeStore) ListKeys(context.Context) ([]*ccflare.APIKey, error) {
	return s.listKeys(false), nil
}

func (s *FakeStore) ListActiveKeys(context.Context) ([]*ccflare.APIKey, error) {
	return s.listKeys(true), nil
}

func (s *FakeStore) listKeys(activeOnly bool) []*ccflare.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ccflare.APIKey
	for _, k := range s.keys {
		if activeOnly && !k.IsActive {
			continue
		}
		cp := *k
		out = append(out, &cp)
	}
	return out
}

func (s *FakeStore) DeleteKey(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[name]; !ok {
		return ccflare.ErrNotFound
	}
	delete(s.keys, name)
	return nil
}

func (s *FakeStore) SetKeyActive(_ context.Context, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[name]
	if !ok {
		return ccflare.ErrNotFound
	}
	k.IsActive = active
	return nil
}

func (s *FakeStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			k.UsageCount++
		}
	}
	return nil
}

// --- OAuthSessionStore ---

func (s *FakeStore) CreateOAuthSession(_ context.Context, sess *ccflare.OAuthSession) error {
	s.mu.Lock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetOAuthSession(_ context.Context, id string) (*ccflare.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ccflare.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *FakeStore) DeleteOAuthSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ccflare.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *FakeStore) DeleteExpiredOAuthSessions(context.Context) (int64, error) { return 0, nil }

// --- Maintenance ---

func (s *FakeStore) IncrementalVacuum(context.Context, int) error { return nil }
func (s *FakeStore) Ping(context.Context) error                   { return nil }
func (s *FakeStore) Close() error                                 { return nil }
