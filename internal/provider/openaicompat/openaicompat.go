// Package openaicompat adapts pool accounts that speak the OpenAI chat
// completions wire. Inbound Anthropic-shaped requests are translated on the
// way out and responses are translated back, so clients never see the
// upstream's native format.
package openaicompat

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
)

const completionsPath = "/v1/chat/completions"

var (
	_ provider.Provider           = (*Adapter)(nil)
	_ provider.ResponseTranslator = (*Adapter)(nil)
)

// defaultModelMap routes Anthropic model families to common OpenAI-side
// names when an account has no explicit mapping. Longest key wins.
var defaultModelMap = map[string]string{
	"haiku":  "gpt-4o-mini",
	"sonnet": "gpt-4o",
	"opus":   "gpt-4o",
}

// Adapter serves openai-compatible accounts. Every account must carry a
// custom endpoint; there is no sensible default host for this kind.
type Adapter struct {
	mapper *provider.ModelMapper
}

// New returns an adapter for OpenAI-compatible accounts.
func New(mapper *provider.ModelMapper) *Adapter {
	return &Adapter{mapper: mapper}
}

// Kind returns the provider flavor this adapter serves.
func (a *Adapter) Kind() ccflare.ProviderKind { return ccflare.KindOpenAICompat }

// PrepareRequest translates the Anthropic-shaped inbound body to a chat
// completions request against the account's endpoint.
func (a *Adapter) PrepareRequest(acct *ccflare.Account, credential string, in *provider.InboundRequest) (*http.Request, error) {
	if acct.CustomEndpoint == "" {
		return nil, fmt.Errorf("openaicompat: account %s has no custom endpoint", acct.Name)
	}

	body, err := translateRequest(in.Body, a.MapModel(acct, in.Model))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: translate request: %w", err)
	}

	target := strings.TrimRight(acct.CustomEndpoint, "/") + completionsPath
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	// Translated bodies carry none of the inbound Anthropic headers; only
	// content negotiation and the account's own credential.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+credential)
	return req, nil
}

// MapModel resolves the upstream model: account mapping first, then the
// built-in family defaults.
func (a *Adapter) MapModel(acct *ccflare.Account, model string) string {
	if a.mapper == nil {
		return model
	}
	return a.mapper.Map(acct, model, defaultModelMap)
}

// ParseRateLimit reads the de facto standard x-ratelimit-* headers plus
// retry-after. There is no unified status header on this wire.
func (a *Adapter) ParseRateLimit(status int, h http.Header) ccflare.RateLimitSignal {
	sig := ccflare.RateLimitSignal{Limited: status == http.StatusTooManyRequests}

	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sig.Remaining = &n
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ms := time.Now().UnixMilli() + d.Milliseconds()
			sig.ResetAt = &ms
		}
	}
	if v := h.Get("retry-after"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec >= 0 {
			ms := sec * 1000
			sig.RetryAfterMs = &ms
		}
	}
	return sig
}
