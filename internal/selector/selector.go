// Package selector orders pool accounts into a per-request candidate list:
// best first, the rest as failover.
package selector

import (
	"context"
	"log/slog"
	"slices"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
)

// Selector picks candidates by auto-fallback reclaim, then sticky session,
// then fresh priority selection. Selection is deterministic: the same pool
// state and request yield the same order.
type Selector struct {
	store           storage.AccountStore
	sessionDuration time.Duration
	log             *slog.Logger
}

// New returns a Selector. sessionDuration is the provider-side usage window
// length for session-tracking accounts.
func New(store storage.AccountStore, sessionDuration time.Duration, log *slog.Logger) *Selector {
	if sessionDuration <= 0 {
		sessionDuration = 5 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Selector{store: store, sessionDuration: sessionDuration, log: log}
}

// Select returns the ordered candidate list for one request. An empty result
// means no account can serve traffic right now.
func (s *Selector) Select(ctx context.Context, accounts []*ccflare.Account, meta ccflare.RequestMeta, nowMs int64) []*ccflare.Account {
	available := make([]*ccflare.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Available(nowMs) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil
	}

	// Auto-fallback reclaim: a higher-priority account whose provider window
	// has reset takes traffic back from lower-priority siblings.
	var reclaim []*ccflare.Account
	for _, a := range available {
		if a.AutoFallbackEnabled && a.WindowReset(nowMs) {
			reclaim = append(reclaim, a)
		}
	}
	if len(reclaim) > 0 {
		byPriority(reclaim)
		out := append(reclaim, byPriority(without(available, reclaim))...)
		s.log.LogAttrs(ctx, slog.LevelDebug, "auto-fallback reclaim",
			slog.String("account", out[0].Name))
		return out
	}

	// Sticky session: the most recently started live session keeps serving,
	// unless the request asked to bypass it.
	if !meta.BypassSession {
		if active := s.activeSession(available, nowMs); active != nil {
			return append([]*ccflare.Account{active}, byPriority(without(available, []*ccflare.Account{active}))...)
		}
	}

	// Fresh selection by priority. A session-tracking account without a live
	// window gets a new one marked atomically in the store.
	out := byPriority(slices.Clone(available))
	chosen := out[0]
	if chosen.Kind.SessionTracking() && !chosen.SessionFresh(nowMs, s.sessionDuration.Milliseconds()) {
		if err := s.store.ResetSession(ctx, chosen.ID, nowMs); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "session reset failed",
				slog.String("account", chosen.Name), slog.String("error", err.Error()))
		} else {
			start := nowMs
			chosen.SessionStart = &start
			chosen.SessionRequestCount = 0
		}
	}
	return out
}

// activeSession returns the available session-tracking account with the most
// recent live session, or nil.
func (s *Selector) activeSession(available []*ccflare.Account, nowMs int64) *ccflare.Account {
	durMs := s.sessionDuration.Milliseconds()
	var best *ccflare.Account
	for _, a := range available {
		if !a.Kind.SessionTracking() || !a.SessionFresh(nowMs, durMs) {
			continue
		}
		if best == nil || *a.SessionStart > *best.SessionStart {
			best = a
		}
	}
	return best
}

// byPriority stable-sorts ascending by priority in place and returns the
// slice. Equal priorities keep input order.
func byPriority(accounts []*ccflare.Account) []*ccflare.Account {
	slices.SortStableFunc(accounts, func(a, b *ccflare.Account) int {
		return a.Priority - b.Priority
	})
	return accounts
}

// without returns the members of all not present in excluded.
func without(all, excluded []*ccflare.Account) []*ccflare.Account {
	out := make([]*ccflare.Account, 0, len(all))
	for _, a := range all {
		if !slices.Contains(excluded, a) {
			out = append(out, a)
		}
	}
	return out
}
