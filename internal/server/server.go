// Package server implements the HTTP transport layer for the ccflare proxy.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/ccflare/ccflare/internal/auth"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/storage"
)

// QueueStats reports the async write pipeline's state for /api/stats.
type QueueStats interface {
	Depth() int
	Dropped() int64
}

// codeExchanger is the slice of the Anthropic OAuth adapter the account-add
// flow needs.
type codeExchanger interface {
	ExchangeCode(ctx context.Context, code, verifier, state string) (*oauth2.Token, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store     storage.Store
	Gate      *auth.Gate
	Keys      *auth.KeyManager
	Proxy     http.Handler // the dispatcher's /v1/* handler
	Providers *provider.Registry
	Queue     QueueStats              // nil = zeros in stats
	Metrics   prometheus.Gatherer     // nil = no /metrics endpoint
	OAuth     codeExchanger           // nil = oauth account add disabled
	Runtime   *RuntimeConfig          // nil = defaults
}

// RuntimeConfig is the mutable subset of configuration exposed over the
// admin API.
type RuntimeConfig struct {
	mu              sync.RWMutex
	strategy        string
	sessionDuration time.Duration
}

// NewRuntimeConfig returns a RuntimeConfig with the given initial values.
func NewRuntimeConfig(strategy string, sessionDuration time.Duration) *RuntimeConfig {
	if strategy == "" {
		strategy = "session"
	}
	if sessionDuration <= 0 {
		sessionDuration = 5 * time.Hour
	}
	return &RuntimeConfig{strategy: strategy, sessionDuration: sessionDuration}
}

// Strategy returns the active selection strategy.
func (c *RuntimeConfig) Strategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategy
}

// SessionDuration returns the sticky session window length.
func (c *RuntimeConfig) SessionDuration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionDuration
}

func (c *RuntimeConfig) setStrategy(s string) {
	c.mu.Lock()
	c.strategy = s
	c.mu.Unlock()
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Runtime == nil {
		deps.Runtime = NewRuntimeConfig("", 0)
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)

	// Management API (admin role). The /api/oauth/ paths are exempt from auth
	// so the interactive account-add flow works before the first admin key
	// exists.
	r.Route("/api", func(r chi.Router) {
		r.Post("/oauth/init", s.handleOAuthInit)
		r.Post("/oauth/callback", s.handleOAuthCallback)

		r.Get("/stats", s.handleStats)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/requests", s.handleListRequests)
		r.Get("/requests/{id}/payload", s.handleGetPayload)

		r.Get("/config", s.handleGetConfig)
		r.Patch("/config", s.handlePatchConfig)
		r.Get("/config/strategy", s.handleGetStrategy)
		r.Post("/config/strategy", s.handleSetStrategy)

		r.Get("/accounts", s.handleListAccounts)
		r.Delete("/accounts/{id}", s.handleDeleteAccount)
		r.Post("/accounts/{id}/pause", s.handlePauseAccount)
		r.Post("/accounts/{id}/resume", s.handleResumeAccount)
		r.Post("/accounts/{id}/tier", s.handleSetTier)
		r.Post("/accounts/{id}/priority", s.handleSetPriority)
		r.Post("/accounts/{id}/auto-fallback", s.handleSetAutoFallback)
		r.Post("/accounts/{id}/custom-endpoint", s.handleSetCustomEndpoint)

		r.Get("/api-keys", s.handleListKeys)
		r.Post("/api-keys", s.handleCreateKey)
		r.Delete("/api-keys/{name}", s.handleDeleteKey)
		r.Post("/api-keys/{name}/enable", s.handleEnableKey)
		r.Post("/api-keys/{name}/disable", s.handleDisableKey)
	})

	if deps.Metrics != nil {
		r.Get("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}).ServeHTTP)
	}

	// Everything under /v1/ goes to the dispatcher untouched.
	r.Handle("/v1/*", deps.Proxy)

	return r
}

type server struct {
	deps Deps
}
