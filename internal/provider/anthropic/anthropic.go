// Package anthropic adapts pool accounts to the Anthropic Messages API, in
// both OAuth (subscription) and console API key flavors.
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	oauthBetaFlag    = "oauth-2025-04-20"
)

var (
	_ provider.Provider       = (*Adapter)(nil)
	_ provider.TokenRefresher = (*Adapter)(nil)
	_ provider.UsagePoller    = (*Adapter)(nil)
)

// Adapter serves both Anthropic account kinds. The inbound wire is already
// Anthropic-shaped, so request preparation is credential injection plus
// optional model mapping; response bodies pass through untranslated.
type Adapter struct {
	kind    ccflare.ProviderKind
	baseURL string
	http    *http.Client
	oauth   *oauthClient
	mapper  *provider.ModelMapper
}

// NewOAuth returns an adapter for subscription accounts authenticated by
// OAuth access tokens.
func NewOAuth(baseURL string, client *http.Client, mapper *provider.ModelMapper) *Adapter {
	return newAdapter(ccflare.KindAnthropicOAuth, baseURL, client, mapper)
}

// NewConsole returns an adapter for console API key accounts.
func NewConsole(baseURL string, client *http.Client, mapper *provider.ModelMapper) *Adapter {
	return newAdapter(ccflare.KindAnthropicConsole, baseURL, client, mapper)
}

// NewOther returns an adapter for generic API key accounts: any upstream
// that speaks the Anthropic wire and authenticates with x-api-key. Such
// accounts always carry a custom endpoint.
func NewOther(baseURL string, client *http.Client, mapper *provider.ModelMapper) *Adapter {
	return newAdapter(ccflare.KindOtherAPIKey, baseURL, client, mapper)
}

func newAdapter(kind ccflare.ProviderKind, baseURL string, client *http.Client, mapper *provider.ModelMapper) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		oauth:   newOAuthClient(client),
		mapper:  mapper,
	}
}

// Kind returns the provider flavor this adapter serves.
func (a *Adapter) Kind() ccflare.ProviderKind { return a.kind }

// PrepareRequest builds the outbound request: account endpoint, inbound
// headers minus credentials, the account's own auth, and model mapping.
func (a *Adapter) PrepareRequest(acct *ccflare.Account, credential string, in *provider.InboundRequest) (*http.Request, error) {
	base := a.baseURL
	if acct.CustomEndpoint != "" {
		base = strings.TrimRight(acct.CustomEndpoint, "/")
	}
	target := base + in.Path
	if in.Query != "" {
		target += "?" + in.Query
	}

	body := in.Body
	if mapped := a.MapModel(acct, in.Model); in.Model != "" && mapped != in.Model {
		rewritten, err := rewriteModel(body, mapped)
		if err != nil {
			return nil, fmt.Errorf("anthropic: rewrite model: %w", err)
		}
		body = rewritten
	}

	req, err := http.NewRequest(in.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	provider.CopyInboundHeaders(req.Header, in.Header)

	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", anthropicVersion)
	}
	switch a.kind {
	case ccflare.KindAnthropicOAuth:
		req.Header.Set("Authorization", "Bearer "+credential)
		// The OAuth beta flag must be present alongside any client-sent betas.
		betas := req.Header.Values("anthropic-beta")
		if !strings.Contains(strings.Join(betas, ","), oauthBetaFlag) {
			req.Header.Add("anthropic-beta", oauthBetaFlag)
		}
	default:
		req.Header.Set("x-api-key", credential)
	}
	return req, nil
}

// MapModel resolves the upstream model via the account's mapping table.
// Anthropic accounts have no built-in defaults; unmapped names pass through.
func (a *Adapter) MapModel(acct *ccflare.Account, model string) string {
	if a.mapper == nil {
		return model
	}
	return a.mapper.Map(acct, model, nil)
}

// rewriteModel replaces the top-level model field, leaving every other field
// untouched as raw JSON.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	m, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	doc["model"] = m
	return json.Marshal(doc)
}
