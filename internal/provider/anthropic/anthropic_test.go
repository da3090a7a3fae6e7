package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
)

func testMapper(t *testing.T) *provider.ModelMapper {
	t.Helper()
	m, err := provider.NewModelMapper()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func inbound(body string) *provider.InboundRequest {
	return &provider.InboundRequest{
		Method: http.MethodPost,
		Path:   "/v1/messages",
		Header: http.Header{
			"Content-Type":   {"application/json"},
			"X-Api-Key":      {"client-key-should-drop"},
			"Anthropic-Beta": {"context-1m-2025-08-07"},
		},
		Body:  []byte(body),
		Model: "claude-sonnet-4-5",
	}
}

func TestPrepareRequestOAuth(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, testMapper(t))
	acct := &ccflare.Account{ID: "a1", Name: "work", Kind: ccflare.KindAnthropicOAuth}

	req, err := a.PrepareRequest(acct, "tok-123", inbound(`{"model":"claude-sonnet-4-5"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.URL.String() != "https://api.anthropic.com/v1/messages" {
		t.Errorf("url = %s", req.URL)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("authorization = %q", got)
	}
	if req.Header.Get("x-api-key") != "" {
		t.Error("inbound x-api-key should be dropped")
	}
	betas := strings.Join(req.Header.Values("anthropic-beta"), ",")
	if !strings.Contains(betas, "oauth-2025-04-20") || !strings.Contains(betas, "context-1m-2025-08-07") {
		t.Errorf("betas = %q", betas)
	}
	if req.Header.Get("anthropic-version") == "" {
		t.Error("anthropic-version missing")
	}
}

func TestPrepareRequestConsoleCustomEndpoint(t *testing.T) {
	t.Parallel()
	a := NewConsole("", nil, testMapper(t))
	acct := &ccflare.Account{
		ID: "a1", Name: "console", Kind: ccflare.KindAnthropicConsole,
		APIKey: "sk-ant-xxx", CustomEndpoint: "https://gateway.example.com/",
	}

	req, err := a.PrepareRequest(acct, "sk-ant-xxx", inbound(`{"model":"claude-sonnet-4-5"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.URL.String() != "https://gateway.example.com/v1/messages" {
		t.Errorf("url = %s", req.URL)
	}
	if got := req.Header.Get("x-api-key"); got != "sk-ant-xxx" {
		t.Errorf("x-api-key = %q", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("console requests must not carry Authorization")
	}
}

func TestPrepareRequestModelMapping(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, testMapper(t))
	acct := &ccflare.Account{
		ID: "a1", Name: "work", Kind: ccflare.KindAnthropicOAuth,
		ModelMappings: map[string]string{"sonnet": "claude-sonnet-4-5-custom"},
	}

	req, err := a.PrepareRequest(acct, "tok", inbound(`{"model":"claude-sonnet-4-5","max_tokens":16}`))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.NewDecoder(req.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc["model"] != "claude-sonnet-4-5-custom" {
		t.Errorf("model = %v", doc["model"])
	}
	if doc["max_tokens"] != float64(16) {
		t.Errorf("max_tokens = %v, body fields must survive the rewrite", doc["max_tokens"])
	}
}

func TestParseRateLimit(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, nil)

	h := http.Header{}
	h.Set("anthropic-ratelimit-unified-5h-status", "allowed_warning")
	h.Set("anthropic-ratelimit-unified-5h-reset", "1700000000")
	sig := a.ParseRateLimit(200, h)
	if sig.Limited {
		t.Error("200 with warning status should not be limited")
	}
	if sig.Status != "allowed_warning" {
		t.Errorf("status = %q", sig.Status)
	}
	if sig.ResetAt == nil || *sig.ResetAt != 1700000000000 {
		t.Errorf("reset = %v", sig.ResetAt)
	}

	h = http.Header{}
	h.Set("retry-after", "30")
	sig = a.ParseRateLimit(429, h)
	if !sig.Limited {
		t.Error("429 must be limited")
	}
	if sig.RetryAfterMs == nil || *sig.RetryAfterMs != 30_000 {
		t.Errorf("retry-after = %v", sig.RetryAfterMs)
	}

	h = http.Header{}
	h.Set("anthropic-ratelimit-unified-5h-status", "rejected")
	sig = a.ParseRateLimit(200, h)
	if !sig.Limited {
		t.Error("rejected status must be limited regardless of code")
	}
}

func TestStreamingExtractor(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, nil)
	e := a.NewUsageExtractor(true)

	stream := "event: message_start\n" +
		`data: {"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":10,"cache_read_input_tokens":5,"output_tokens":1}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":20}}` + "\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	// Feed in awkward chunk sizes to exercise incremental frame assembly.
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		e.Feed([]byte(stream[i:end]))
	}

	usage, model, found := e.Result()
	if !found {
		t.Fatal("usage not found")
	}
	if model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", model)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 20 || usage.CacheReadInputTokens != 5 {
		t.Errorf("usage = %+v", usage)
	}
	if usage.Partial {
		t.Error("usage should be complete")
	}
}

func TestNonStreamingExtractor(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, nil)
	e := a.NewUsageExtractor(false)

	e.Feed([]byte(`{"id":"msg_1","model":"claude-haiku-4-5","usage":{"input_tokens":3,`))
	e.Feed([]byte(`"output_tokens":7}}`))

	usage, model, found := e.Result()
	if !found {
		t.Fatal("usage not found")
	}
	if model != "claude-haiku-4-5" {
		t.Errorf("model = %q", model)
	}
	if usage.InputTokens != 3 || usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestExtractorPartialOnOverflow(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, nil)
	e := a.NewUsageExtractor(false)

	e.Feed([]byte(`{"usage":{"input_tokens":3}`))
	e.Feed(make([]byte, 2<<20))

	usage, _, _ := e.Result()
	if !usage.Partial {
		t.Error("over-cap body must report partial usage")
	}
}

func TestRefreshCredentials(t *testing.T) {
	t.Parallel()
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	a := NewOAuth("", srv.Client(), nil)
	a.oauth.tokenURL = srv.URL

	acct := &ccflare.Account{ID: "a1", Name: "work", RefreshToken: "rt-old"}
	access, refresh, expiresAt, err := a.RefreshCredentials(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if access != "at-new" || refresh != "rt-new" {
		t.Errorf("tokens = %q/%q", access, refresh)
	}
	if expiresAt <= time.Now().UnixMilli() {
		t.Errorf("expiresAt = %d not in the future", expiresAt)
	}
	if gotBody["grant_type"] != "refresh_token" || gotBody["refresh_token"] != "rt-old" {
		t.Errorf("request body = %v", gotBody)
	}
	if gotBody["client_id"] == "" {
		t.Error("client_id missing")
	}
}

func TestRefreshCredentialsNoToken(t *testing.T) {
	t.Parallel()
	a := NewOAuth("", nil, nil)
	_, _, _, err := a.RefreshCredentials(context.Background(), &ccflare.Account{Name: "empty"})
	if err == nil || !strings.Contains(err.Error(), "no refresh token") {
		t.Errorf("err = %v", err)
	}
}

func TestParseUsageWindow(t *testing.T) {
	t.Parallel()
	body := []byte(`{"five_hour":{"utilization":85.5,"resets_at":"2026-08-24T12:00:00Z","remaining":42}}`)
	sig := parseUsageWindow(body)
	if sig.Status != "allowed_warning" {
		t.Errorf("status = %q", sig.Status)
	}
	if sig.Remaining == nil || *sig.Remaining != 42 {
		t.Errorf("remaining = %v", sig.Remaining)
	}
	want := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC).UnixMilli()
	if sig.ResetAt == nil || *sig.ResetAt != want {
		t.Errorf("reset = %v, want %d", sig.ResetAt, want)
	}

	// Unknown shape degrades to an empty signal, never a panic.
	sig = parseUsageWindow([]byte(`{"windows":[]}`))
	if sig.Status != "" || sig.ResetAt != nil {
		t.Errorf("sig = %+v", sig)
	}
}
