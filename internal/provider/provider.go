// Package provider implements the adapter registry for upstream LLM providers.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	ccflare "github.com/ccflare/ccflare/internal"
)

// InboundRequest is the buffered client request handed to an adapter. The
// body is held in memory so the dispatcher can replay it across failover
// candidates.
type InboundRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	Model  string // extracted from the body, "" if absent
	Stream bool
}

// Provider adapts the Anthropic-shaped inbound wire to one upstream API
// flavor. Implementations are stateless and safe for concurrent use.
type Provider interface {
	// Kind returns the provider flavor this adapter serves.
	Kind() ccflare.ProviderKind

	// PrepareRequest builds the outbound upstream request for one attempt:
	// target URL from the account's endpoint, credential injection, model
	// mapping, and any body translation. credential is the access token for
	// OAuth accounts or the stored API key otherwise.
	PrepareRequest(a *ccflare.Account, credential string, in *InboundRequest) (*http.Request, error)

	// ParseRateLimit interprets upstream status and headers into a
	// normalized signal. Called on every upstream response.
	ParseRateLimit(status int, h http.Header) ccflare.RateLimitSignal

	// NewUsageExtractor returns a fresh extractor for one response body.
	NewUsageExtractor(streaming bool) UsageExtractor

	// MapModel resolves the upstream model name for a requested one.
	MapModel(a *ccflare.Account, model string) string
}

// UsageExtractor accumulates token usage from response body bytes fed to it
// by the stream pipeline. Implementations cap their internal buffering; once
// over the cap they stop retaining data and report partial counts.
type UsageExtractor interface {
	// Feed consumes the next chunk of the response body.
	Feed(p []byte)
	// Result returns accumulated usage, the model reported by the upstream
	// (may be empty), and whether any usage was observed at all.
	Result() (ccflare.TokenCounts, string, bool)
}

// ResponseTranslator is implemented by adapters whose upstream speaks a
// different wire shape than the client. The dispatcher checks for it by type
// assertion; absent means passthrough.
type ResponseTranslator interface {
	// NewTranslator returns a fresh per-response translator.
	NewTranslator(streaming bool) Translator
}

// Translator rewrites upstream response bytes into the client wire shape.
// Transform may buffer incomplete frames internally; Flush drains them.
type Translator interface {
	Transform(p []byte) ([]byte, error)
	Flush() ([]byte, error)
}

// TokenRefresher is implemented by adapters whose accounts carry refreshable
// OAuth credentials.
type TokenRefresher interface {
	// RefreshCredentials exchanges the account's refresh token for a fresh
	// access token. An empty returned refresh token means the provider did
	// not rotate it.
	RefreshCredentials(ctx context.Context, a *ccflare.Account) (access, refresh string, expiresAtMs int64, err error)
}

// UsagePoller is implemented by adapters that expose a provider-side usage
// window endpoint the scheduler can poll.
type UsagePoller interface {
	FetchWindow(ctx context.Context, a *ccflare.Account, credential string) (ccflare.RateLimitSignal, error)
}

// Registry maps provider kinds to adapters. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[ccflare.ProviderKind]Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[ccflare.ProviderKind]Provider)}
}

// Register adds an adapter for its kind, overwriting any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Kind()] = p
	r.mu.Unlock()
}

// Get returns the adapter for kind, or an error if not registered.
func (r *Registry) Get(kind ccflare.ProviderKind) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", kind)
	}
	return p, nil
}

// Kinds returns a sorted slice of all registered provider kinds.
func (r *Registry) Kinds() []ccflare.ProviderKind {
	r.mu.RLock()
	kinds := make([]ccflare.ProviderKind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	slices.Sort(kinds)
	return kinds
}
