// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"

	ccflare "github.com/ccflare/ccflare/internal"
)

// AccountStore manages upstream account persistence. All mutators are
// idempotent with respect to caller retries.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *ccflare.Account) error
	GetAccount(ctx context.Context, id string) (*ccflare.Account, error)
	GetAccountByName(ctx context.Context, name string) (*ccflare.Account, error)
	ListAccounts(ctx context.Context) ([]*ccflare.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// UpdateTokens stores a refreshed access token. An empty refresh token
	// leaves the stored one unchanged (providers that do not rotate it).
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAtMs int64) error

	// MarkRateLimited records a rate-limit hold. The hold only advances:
	// an until value earlier than the stored one is ignored.
	MarkRateLimited(ctx context.Context, id string, untilMs int64, status string, remaining, resetMs *int64) error

	// UpdateRateLimitWindow refreshes window fields from the usage poller
	// without touching the hold.
	UpdateRateLimitWindow(ctx context.Context, id string, remaining, resetMs *int64, status string) error

	// ClearExpiredRateLimits clears holds that are in the past.
	ClearExpiredRateLimits(ctx context.Context, nowMs int64) (int64, error)

	// ResetSession marks a new sticky-session window: session_start = nowMs,
	// session_request_count = 0, request_count = 0.
	ResetSession(ctx context.Context, id string, nowMs int64) error

	// IncrementRequestCounters bumps request_count, total_requests and
	// last_used on the serving account; countSession additionally bumps
	// session_request_count.
	IncrementRequestCounters(ctx context.Context, id string, nowMs int64, countSession bool) error

	SetPaused(ctx context.Context, id string, paused bool) error
	SetPriority(ctx context.Context, id string, priority int) error
	SetTier(ctx context.Context, id string, tier int) error
	SetAutoFallback(ctx context.Context, id string, enabled bool) error
	SetCustomEndpoint(ctx context.Context, id, endpoint string) error
}

// RequestStore manages request telemetry persistence.
type RequestStore interface {
	InsertRequests(ctx context.Context, recs []ccflare.RequestRecord) error
	InsertPayloads(ctx context.Context, payloads []ccflare.RequestPayload) error
	ListRequests(ctx context.Context, limit int) ([]ccflare.RequestRecord, error)
	GetPayload(ctx context.Context, id string) (*ccflare.RequestPayload, error)
	DeleteRequestsBefore(ctx context.Context, cutoffMs int64) (int64, error)
	DeletePayloadsBefore(ctx context.Context, cutoffMs int64) (int64, error)
	Stats(ctx context.Context) (*ccflare.StatsSummary, error)
	Analytics(ctx context.Context, sinceMs, bucketMs int64) (*ccflare.AnalyticsReport, error)
}

// APIKeyStore manages inbound API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, k *ccflare.APIKey) error
	GetKeyByName(ctx context.Context, name string) (*ccflare.APIKey, error)
	ListKeys(ctx context.Context) ([]*ccflare.APIKey, error)
	ListActiveKeys(ctx context.Context) ([]*ccflare.APIKey, error)
	DeleteKey(ctx context.Context, name string) error
	SetKeyActive(ctx context.Context, name string, active bool) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// OAuthSessionStore manages transient PKCE sessions for account adds.
type OAuthSessionStore interface {
	CreateOAuthSession(ctx context.Context, s *ccflare.OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*ccflare.OAuthSession, error)
	DeleteOAuthSession(ctx context.Context, id string) error
	DeleteExpiredOAuthSessions(ctx context.Context) (int64, error)
}

// Maintenance exposes datastore housekeeping used by the retention sweep.
type Maintenance interface {
	// IncrementalVacuum reclaims up to pages freed pages.
	IncrementalVacuum(ctx context.Context, pages int) error
	Ping(ctx context.Context) error
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	RequestStore
	APIKeyStore
	OAuthSessionStore
	Maintenance
	Close() error
}
