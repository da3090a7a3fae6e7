package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	ccflare "github.com/ccflare/ccflare/internal"
)

// OAuth endpoints and client identity for subscription accounts. The "max"
// mode authorizes through claude.ai, the "console" mode through the console.
const (
	oauthClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthTokenURL    = "https://console.anthropic.com/v1/oauth/token"
	oauthAuthMaxURL  = "https://claude.ai/oauth/authorize"
	oauthAuthConsURL = "https://console.anthropic.com/oauth/authorize"
	oauthRedirectURI = "https://console.anthropic.com/oauth/code/callback"
	usageEndpoint    = "https://api.anthropic.com/api/oauth/usage"
)

var oauthScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

type oauthClient struct {
	http     *http.Client
	tokenURL string
}

func newOAuthClient(client *http.Client) *oauthClient {
	return &oauthClient{http: client, tokenURL: oauthTokenURL}
}

func oauthConfig(mode string) *oauth2.Config {
	authURL := oauthAuthConsURL
	if mode == "max" {
		authURL = oauthAuthMaxURL
	}
	return &oauth2.Config{
		ClientID:    oauthClientID,
		RedirectURL: oauthRedirectURI,
		Scopes:      oauthScopes,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL, TokenURL: oauthTokenURL},
	}
}

// BeginAuthorize starts a PKCE authorization for an interactive account add.
// It returns the URL the operator opens in a browser and the verifier to
// persist in the pending OAuth session.
func BeginAuthorize(mode, state string) (authorizeURL, verifier string) {
	verifier = oauth2.GenerateVerifier()
	cfg := oauthConfig(mode)
	authorizeURL = cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("code", "true"))
	return authorizeURL, verifier
}

// tokenResponse is the token endpoint reply for both grant types.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
// The token endpoint takes a JSON body rather than the form encoding the
// standard flow would send.
func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, state string) (*oauth2.Token, error) {
	tr, err := a.oauth.post(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     oauthClientID,
		"code":          code,
		"redirect_uri":  oauthRedirectURI,
		"code_verifier": verifier,
		"state":         state,
	})
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// RefreshCredentials exchanges the account's refresh token for a fresh
// access token. An empty returned refresh token means no rotation happened.
func (a *Adapter) RefreshCredentials(ctx context.Context, acct *ccflare.Account) (string, string, int64, error) {
	if acct.RefreshToken == "" {
		return "", "", 0, fmt.Errorf("account %s: %w: no refresh token", acct.Name, ccflare.ErrAuthRefresh)
	}
	tr, err := a.oauth.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": acct.RefreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("account %s: %w: %v", acct.Name, ccflare.ErrAuthRefresh, err)
	}
	expiresAt := time.Now().UnixMilli() + tr.ExpiresIn*1000
	return tr.AccessToken, tr.RefreshToken, expiresAt, nil
}

func (c *oauthClient) post(ctx context.Context, payload map[string]string) (*tokenResponse, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in token response")
	}
	return &tr, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
