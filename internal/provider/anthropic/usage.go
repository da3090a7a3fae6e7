package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	ccflare "github.com/ccflare/ccflare/internal"
)

// FetchWindow queries the OAuth usage endpoint for the account's current
// five-hour window. Only OAuth accounts are usage-capable; console keys have
// no window endpoint and return an error so the poller skips them.
func (a *Adapter) FetchWindow(ctx context.Context, acct *ccflare.Account, credential string) (ccflare.RateLimitSignal, error) {
	if a.kind != ccflare.KindAnthropicOAuth {
		return ccflare.RateLimitSignal{}, fmt.Errorf("account %s: kind %s has no usage window", acct.Name, a.kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, usageEndpoint, nil)
	if err != nil {
		return ccflare.RateLimitSignal{}, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("anthropic-beta", oauthBetaFlag)

	resp, err := a.http.Do(req)
	if err != nil {
		return ccflare.RateLimitSignal{}, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ccflare.RateLimitSignal{}, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ccflare.RateLimitSignal{}, fmt.Errorf("usage endpoint returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return parseUsageWindow(body), nil
}

// parseUsageWindow reads the five_hour window fields, tolerating absent or
// renamed fields since the endpoint's shape is not formally published.
func parseUsageWindow(body []byte) ccflare.RateLimitSignal {
	var sig ccflare.RateLimitSignal

	win := gjson.GetBytes(body, "five_hour")
	if !win.Exists() {
		return sig
	}
	if v := win.Get("resets_at"); v.Exists() {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			ms := t.UnixMilli()
			sig.ResetAt = &ms
		}
	}
	if v := win.Get("remaining"); v.Exists() {
		n := v.Int()
		sig.Remaining = &n
	}
	if v := win.Get("utilization"); v.Exists() {
		switch {
		case v.Float() >= 100:
			sig.Status = "rejected"
		case v.Float() >= 80:
			sig.Status = "allowed_warning"
		default:
			sig.Status = "allowed"
		}
	}
	return sig
}
