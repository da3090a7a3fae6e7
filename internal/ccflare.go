// Package ccflare defines domain types and interfaces for the ccflare proxy.
// This package has no project imports -- it is the dependency root.
package ccflare

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// --- Provider kinds ---

// ProviderKind identifies the flavor of upstream API an account talks to.
type ProviderKind string

const (
	KindAnthropicOAuth   ProviderKind = "anthropic-oauth"
	KindAnthropicConsole ProviderKind = "anthropic-console-key"
	KindOpenAICompat     ProviderKind = "openai-compatible"
	KindOtherAPIKey      ProviderKind = "other-api-key"
)

// SessionTracking reports whether accounts of this kind carry a fixed-duration
// provider-side usage window that the selector tracks as a sticky session.
func (k ProviderKind) SessionTracking() bool { return k == KindAnthropicOAuth }

// --- Account ---

// Account is one upstream credential with its pool state.
// Durable fields are owned by the Store; components treat handed-out
// Account values as read-mostly snapshots and mutate through Store only.
type Account struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind ProviderKind `json:"provider"`

	// OAuth credentials (anthropic-oauth).
	RefreshToken         string `json:"-"`
	AccessToken          string `json:"-"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at,omitempty"` // epoch ms, 0 = unset

	// Static key credentials (console / openai-compatible).
	APIKey string `json:"-"`

	CustomEndpoint string            `json:"custom_endpoint,omitempty"`
	ModelMappings  map[string]string `json:"model_mappings,omitempty"`

	// Routing.
	Tier                int  `json:"tier"` // subscription multiplier, display only
	Priority            int  `json:"priority"`
	Paused              bool `json:"paused"`
	AutoFallbackEnabled bool `json:"auto_fallback_enabled"`
	AutoRefreshEnabled  bool `json:"auto_refresh_enabled"`

	// Rate-limit state, driven by upstream headers and 429 responses.
	RateLimitedUntil   *int64 `json:"rate_limited_until,omitempty"` // epoch ms
	RateLimitRemaining *int64 `json:"rate_limit_remaining,omitempty"`
	RateLimitReset     *int64 `json:"rate_limit_reset,omitempty"` // epoch ms of provider window reset
	RateLimitStatus    string `json:"rate_limit_status,omitempty"`

	// Session state (session-tracking kinds only).
	SessionStart        *int64 `json:"session_start,omitempty"` // epoch ms
	SessionRequestCount int64  `json:"session_request_count"`

	// Counters.
	RequestCount  int64  `json:"request_count"`
	TotalRequests int64  `json:"total_requests"`
	LastUsed      *int64 `json:"last_used,omitempty"` // epoch ms

	CreatedAt time.Time `json:"created_at"`
}

// Available reports whether the account can serve traffic at the given
// instant: not paused, and any rate-limit hold has expired.
func (a *Account) Available(nowMs int64) bool {
	if a.Paused {
		return false
	}
	return a.RateLimitedUntil == nil || *a.RateLimitedUntil <= nowMs
}

// SessionFresh reports whether the account's sticky session window is still
// open at nowMs for the given session duration.
func (a *Account) SessionFresh(nowMs, sessionDurationMs int64) bool {
	return a.SessionStart != nil && nowMs-*a.SessionStart < sessionDurationMs
}

// WindowReset reports whether the provider's usage window reset timestamp is
// known and already in the past, i.e. the account is eligible for
// auto-fallback reclaim.
func (a *Account) WindowReset(nowMs int64) bool {
	return a.RateLimitReset != nil && *a.RateLimitReset <= nowMs
}

// --- Request telemetry ---

// TokenCounts carries per-request token usage extracted from the upstream
// response. Partial marks counts truncated by the extractor buffer cap.
type TokenCounts struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	Partial                  bool  `json:"partial,omitempty"`
}

// Total returns the sum of all token counts.
func (t TokenCounts) Total() int64 {
	return t.InputTokens + t.OutputTokens + t.CacheReadInputTokens + t.CacheCreationInputTokens
}

// RequestRecord is one inbound proxied request's telemetry. It is created in
// memory at dispatch start and persisted via the async write queue after the
// response completes or aborts.
type RequestRecord struct {
	ID               string  `json:"id"`
	Timestamp        int64   `json:"timestamp"` // dispatch start, epoch ms
	Method           string  `json:"method"`
	Path             string  `json:"path"`
	AccountUsed      string  `json:"account_used,omitempty"` // account ID
	StatusCode       int     `json:"status_code"`
	Success          bool    `json:"success"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ResponseTimeMs   int64   `json:"response_time_ms"`
	FailoverAttempts int     `json:"failover_attempts"`
	Model            string  `json:"model,omitempty"`
	Tokens           TokenCounts `json:"tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	OutputTokensPerSecond float64 `json:"output_tokens_per_second,omitempty"`
}

// RequestPayload is an optional captured request/response blob for debugging,
// keyed by RequestRecord ID and subject to payload retention.
type RequestPayload struct {
	ID   string `json:"id"`   // RequestRecord ID
	JSON []byte `json:"json"` // archive document, see PayloadDoc
}

// PayloadDoc is the JSON shape stored in RequestPayload.
type PayloadDoc struct {
	Request struct {
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	} `json:"request"`
	Response struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	} `json:"response"`
	Error string `json:"error,omitempty"`
	Meta  struct {
		AccountID         string `json:"accountId"`
		Retry             int    `json:"retry"`
		Timestamp         int64  `json:"timestamp"`
		Success           bool   `json:"success"`
		RateLimited       bool   `json:"rateLimited"`
		AccountsAttempted int    `json:"accountsAttempted"`
	} `json:"meta"`
}

// --- Rate-limit signal ---

// RateLimitSignal is the normalized interpretation of upstream rate-limit
// headers and status codes, mapped onto Store fields by the dispatcher.
type RateLimitSignal struct {
	Limited      bool   // request was rejected for rate limiting
	Remaining    *int64 // requests remaining in the window, if announced
	ResetAt      *int64 // epoch ms the provider window resets, if announced
	RetryAfterMs *int64 // relative hold from a retry-after header
	Status       string // opaque provider status, e.g. "allowed_warning"
}

// RetryUntil resolves the absolute hold expiry for a limited signal:
// retry-after wins, then the window reset, then a fallback hold.
func (s RateLimitSignal) RetryUntil(nowMs int64, fallback time.Duration) int64 {
	if s.RetryAfterMs != nil {
		return nowMs + *s.RetryAfterMs
	}
	if s.ResetAt != nil && *s.ResetAt > nowMs {
		return *s.ResetAt
	}
	return nowMs + fallback.Milliseconds()
}

// --- Inbound API keys ---

// Role is an inbound API key's authorization level.
type Role string

const (
	RoleAdmin   Role = "admin"    // all endpoints
	RoleAPIOnly Role = "api-only" // proxy paths only
)

// APIKey is an inbound client credential.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	HashedKey  string     `json:"-"` // "salt:hash" hex, never exposed
	PrefixLast string     `json:"prefix_last_8"`
	Role       Role       `json:"role"`
	IsActive   bool       `json:"is_active"`
	UsageCount int64      `json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// OAuthSession is a transient PKCE state for an interactive account add.
type OAuthSession struct {
	ID          string    `json:"id"`
	AccountName string    `json:"account_name"`
	Verifier    string    `json:"-"`
	Mode        string    `json:"mode"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// --- Key issuance and hashing ---

// APIKeyPrefix is the literal prefix on all issued inbound keys.
const APIKeyPrefix = "btr-"

const (
	keyRandomLen   = 32
	keySaltLen     = 16
	keyHashIters   = 10_000
	keyHashLen     = 32
	base62Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateKey returns a fresh inbound API key: "btr-" + 32 base62 chars.
// Bytes at or above the largest multiple of 62 are rejected so every
// character of the alphabet is equally likely.
func GenerateKey() string {
	const limit = 256 - 256%len(base62Alphabet)
	var b strings.Builder
	b.Grow(len(APIKeyPrefix) + keyRandomLen)
	b.WriteString(APIKeyPrefix)
	buf := make([]byte, keyRandomLen)
	for n := 0; n < keyRandomLen; {
		if _, err := rand.Read(buf); err != nil {
			panic("ccflare: crypto/rand unavailable: " + err.Error())
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			b.WriteByte(base62Alphabet[int(c)%len(base62Alphabet)])
			if n++; n == keyRandomLen {
				break
			}
		}
	}
	return b.String()
}

// HashKey derives a salted PBKDF2-SHA256 hash of a raw key and returns the
// "salt:hash" storage form with a fresh random salt.
func HashKey(raw string) string {
	salt := make([]byte, keySaltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("ccflare: crypto/rand unavailable: " + err.Error())
	}
	dk := pbkdf2.Key([]byte(raw), salt, keyHashIters, keyHashLen, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(dk)
}

// VerifyKey re-derives the hash of raw with the stored key's salt and compares
// in constant time. Malformed stored values never match.
func VerifyKey(raw, stored string) bool {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(raw), salt, keyHashIters, keyHashLen, sha256.New)
	return hmac.Equal(got, want)
}

// KeyDisplaySuffix returns the trailing 8 characters of a raw key for display.
func KeyDisplaySuffix(raw string) string {
	if len(raw) < 8 {
		return raw
	}
	return raw[len(raw)-8:]
}

// --- Request metadata and context ---

// BypassSessionHeader suppresses the selector's sticky-session step for a
// single request. The auto-refresh scheduler sets it on synthesized traffic.
const BypassSessionHeader = "x-ccflare-bypass-session"

// RequestMeta is the per-request input handed to the selector.
type RequestMeta struct {
	Method        string
	Path          string
	Model         string
	BypassSession bool
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request context values into a single allocation.
// The APIKey field is set later by the auth middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// KeyFromContext extracts the authenticated inbound key from context.
// A nil result means authentication was disabled or the path was exempt.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the authenticated key in the existing requestMeta if
// present, avoiding a new context allocation.
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// NowMs returns the current wall clock as epoch milliseconds.
func NowMs() int64 { return time.Now().UnixMilli() }
