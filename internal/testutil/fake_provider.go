package testutil

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
)

// FakeProvider is a configurable provider.Provider for testing. Zero-value
// behavior: requests target the account's custom endpoint with a bearer
// credential, rate-limit parsing flags only 429s, and the extractor reports
// no usage.
type FakeProvider struct {
	ProviderKind ccflare.ProviderKind

	PrepareFn   func(a *ccflare.Account, credential string, in *provider.InboundRequest) (*http.Request, error)
	RateLimitFn func(status int, h http.Header) ccflare.RateLimitSignal
	ExtractorFn func(streaming bool) provider.UsageExtractor
	RefreshFn   func(ctx context.Context, a *ccflare.Account) (string, string, int64, error)

	// RefreshCalls counts RefreshCredentials invocations.
	RefreshCalls atomic.Int64
}

// Kind returns the configured kind, defaulting to anthropic-oauth.
func (f *FakeProvider) Kind() ccflare.ProviderKind {
	if f.ProviderKind == "" {
		return ccflare.KindAnthropicOAuth
	}
	return f.ProviderKind
}

// PrepareRequest delegates to PrepareFn or builds a default upstream request.
func (f *FakeProvider) PrepareRequest(a *ccflare.Account, credential string, in *provider.InboundRequest) (*http.Request, error) {
	if f.PrepareFn != nil {
		return f.PrepareFn(a, credential, in)
	}
	base := a.CustomEndpoint
	if base == "" {
		base = "http://upstream.test"
	}
	req, err := http.NewRequest(in.Method, strings.TrimRight(base, "/")+in.Path, bytes.NewReader(in.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	return req, nil
}

// ParseRateLimit delegates to RateLimitFn or flags 429s.
func (f *FakeProvider) ParseRateLimit(status int, h http.Header) ccflare.RateLimitSignal {
	if f.RateLimitFn != nil {
		return f.RateLimitFn(status, h)
	}
	return ccflare.RateLimitSignal{Limited: status == http.StatusTooManyRequests}
}

// NewUsageExtractor delegates to ExtractorFn or returns a no-op extractor.
func (f *FakeProvider) NewUsageExtractor(streaming bool) provider.UsageExtractor {
	if f.ExtractorFn != nil {
		return f.ExtractorFn(streaming)
	}
	return &nopExtractor{}
}

// MapModel passes the model through unchanged.
func (f *FakeProvider) MapModel(_ *ccflare.Account, model string) string { return model }

// RefreshCredentials delegates to RefreshFn; without one it fails so tests
// notice unexpected refreshes.
func (f *FakeProvider) RefreshCredentials(ctx context.Context, a *ccflare.Account) (string, string, int64, error) {
	f.RefreshCalls.Add(1)
	if f.RefreshFn != nil {
		return f.RefreshFn(ctx, a)
	}
	return "", "", 0, ccflare.ErrAuthRefresh
}

type nopExtractor struct{}

func (nopExtractor) Feed([]byte) {}
func (nopExtractor) Result() (ccflare.TokenCounts, string, bool) {
	return ccflare.TokenCounts{}, "", false
}
