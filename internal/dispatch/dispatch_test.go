package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/pricing"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/selector"
	"github.com/ccflare/ccflare/internal/testutil"
	"github.com/ccflare/ccflare/internal/tokens"
)

// recSink collects enqueued telemetry synchronously.
type recSink struct {
	mu       sync.Mutex
	records  []ccflare.RequestRecord
	payloads []ccflare.RequestPayload
}

func (s *recSink) Record(r ccflare.RequestRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *recSink) RecordPayload(p ccflare.RequestPayload) {
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.mu.Unlock()
}

func (s *recSink) last(t *testing.T) ccflare.RequestRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		t.Fatal("no request record enqueued")
	}
	return s.records[len(s.records)-1]
}

func newDispatcher(t *testing.T, store *testutil.FakeStore, fp *testutil.FakeProvider, opts Options) (*Dispatcher, *recSink) {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(fp)
	tm := tokens.New(store, reg, time.Second, nil)
	sel := selector.New(store, 5*time.Hour, nil)
	sink := &recSink{}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	d := New(store, reg, tm, sel, pricing.NewCatalog(), sink, &http.Client{}, nil, opts, nil)
	return d, sink
}

func oauthAcct(store *testutil.FakeStore, name, endpoint string, priority int) *ccflare.Account {
	a := &ccflare.Account{
		ID: name, Name: name, Kind: ccflare.KindAnthropicOAuth,
		RefreshToken: "rt-" + name, AccessToken: "at-" + name,
		AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		CustomEndpoint:       endpoint, Priority: priority,
	}
	store.AddAccount(a)
	return a
}

func doProxy(d *Dispatcher, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	d.ServeProxy(w, req)
	return w
}

func TestProxyStreamingByteFidelity(t *testing.T) {
	t.Parallel()

	const sse = "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"delta\":{\"text\":\"hi\"}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sse)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "a", upstream.URL, 0)

	var fed []byte
	var feedMu sync.Mutex
	fp := &testutil.FakeProvider{
		ExtractorFn: func(bool) provider.UsageExtractor {
			return &captureExtractor{feed: func(p []byte) {
				feedMu.Lock()
				fed = append(fed, p...)
				feedMu.Unlock()
			}}
		},
	}
	d, sink := newDispatcher(t, store, fp, Options{})

	w := doProxy(d, `{"model":"claude-sonnet-4","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != sse {
		t.Errorf("client body differs from upstream:\n%q\nwant\n%q", got, sse)
	}
	feedMu.Lock()
	if string(fed) != sse {
		t.Errorf("extractor fed %q", fed)
	}
	feedMu.Unlock()

	rec := sink.last(t)
	if !rec.Success || rec.StatusCode != http.StatusOK || rec.AccountUsed != "a" {
		t.Errorf("record = %+v", rec)
	}
}

// captureExtractor forwards fed bytes to a callback and reports fixed usage.
type captureExtractor struct {
	feed func(p []byte)
}

func (c *captureExtractor) Feed(p []byte) { c.feed(p) }
func (c *captureExtractor) Result() (ccflare.TokenCounts, string, bool) {
	return ccflare.TokenCounts{InputTokens: 10, OutputTokens: 5}, "claude-sonnet-4", true
}

func TestProxyNoAccounts(t *testing.T) {
	t.Parallel()
	d, sink := newDispatcher(t, testutil.NewFakeStore(), &testutil.FakeProvider{}, Options{})

	w := doProxy(d, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Type != "error" || body.Error.Type != "overloaded_error" {
		t.Errorf("body = %+v", body)
	}
	if rec := sink.last(t); rec.Success || rec.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("record = %+v", rec)
	}
}

func TestProxyFailoverToNextPriority(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"type":"message"}`)
	}))
	defer good.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "primary", bad.URL, 0)
	oauthAcct(store, "secondary", good.URL, 1)

	d, sink := newDispatcher(t, store, &testutil.FakeProvider{}, Options{RetryAttempts: 1})

	w := doProxy(d, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	rec := sink.last(t)
	if rec.AccountUsed != "secondary" {
		t.Errorf("served by %q, want secondary", rec.AccountUsed)
	}
	if rec.FailoverAttempts != 1 {
		t.Errorf("failover attempts = %d, want 1", rec.FailoverAttempts)
	}
	// Counters move only on the serving account.
	primary, _ := store.GetAccount(t.Context(), "primary")
	if primary.RequestCount != 0 {
		t.Errorf("primary request count = %d", primary.RequestCount)
	}
	secondary, _ := store.GetAccount(t.Context(), "secondary")
	if secondary.RequestCount != 1 {
		t.Errorf("secondary request count = %d", secondary.RequestCount)
	}
}

func TestProxyRateLimitMarksAndSurfaces(t *testing.T) {
	t.Parallel()

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "only", limited.URL, 0)

	fp := &testutil.FakeProvider{
		RateLimitFn: func(status int, h http.Header) ccflare.RateLimitSignal {
			if status != http.StatusTooManyRequests {
				return ccflare.RateLimitSignal{}
			}
			secs, _ := strconv.ParseInt(h.Get("Retry-After"), 10, 64)
			ms := secs * 1000
			return ccflare.RateLimitSignal{Limited: true, RetryAfterMs: &ms, Status: "rejected"}
		},
	}
	d, sink := newDispatcher(t, store, fp, Options{})

	before := ccflare.NowMs()
	w := doProxy(d, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 30 {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	a, _ := store.GetAccount(t.Context(), "only")
	if a.RateLimitedUntil == nil {
		t.Fatal("account not marked rate limited")
	}
	if got := *a.RateLimitedUntil; got < before+29_000 || got > before+31_000 {
		t.Errorf("rate_limited_until = %d, want ~%d", got, before+30_000)
	}
	if a.RateLimitStatus != "rejected" {
		t.Errorf("status = %q", a.RateLimitStatus)
	}
	rec := sink.last(t)
	if rec.Success || rec.StatusCode != http.StatusTooManyRequests {
		t.Errorf("record = %+v", rec)
	}
	// The sole candidate was abandoned, which counts as one failover.
	if rec.FailoverAttempts != 1 {
		t.Errorf("failover attempts = %d, want 1", rec.FailoverAttempts)
	}
}

func TestProxyForcedRefreshOn401(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	var lastAuth atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth.Store(r.Header.Get("Authorization"))
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"type":"message"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "a", upstream.URL, 0)

	fp := &testutil.FakeProvider{
		RefreshFn: func(_ context.Context, _ *ccflare.Account) (string, string, int64, error) {
			return "at-fresh", "", time.Now().Add(time.Hour).UnixMilli(), nil
		},
	}
	d, sink := newDispatcher(t, store, fp, Options{})

	w := doProxy(d, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if n := fp.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if got := lastAuth.Load().(string); got != "Bearer at-fresh" {
		t.Errorf("second attempt auth = %q", got)
	}
	if rec := sink.last(t); !rec.Success {
		t.Errorf("record = %+v", rec)
	}
}

func TestProxyRepeatedAuthFailureMovesToNextAccount(t *testing.T) {
	t.Parallel()

	// This upstream rejects even the freshly refreshed token, so the account
	// must be abandoned rather than its 401 streamed back to the client.
	stale := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer stale.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"type":"message"}`)
	}))
	defer good.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "stale", stale.URL, 0)
	oauthAcct(store, "good", good.URL, 1)

	fp := &testutil.FakeProvider{
		RefreshFn: func(_ context.Context, _ *ccflare.Account) (string, string, int64, error) {
			return "at-fresh", "", time.Now().Add(time.Hour).UnixMilli(), nil
		},
	}
	d, sink := newDispatcher(t, store, fp, Options{})

	w := doProxy(d, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	rec := sink.last(t)
	if rec.AccountUsed != "good" {
		t.Errorf("served by %q, want good", rec.AccountUsed)
	}
	if rec.FailoverAttempts != 1 {
		t.Errorf("failover attempts = %d, want 1", rec.FailoverAttempts)
	}
	// Exactly one forced refresh on the broken account, none for the healthy one.
	if n := fp.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}

func TestProxyAllRateLimitedReportsSoonest(t *testing.T) {
	t.Parallel()

	mk := func(secs string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", secs)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
	}
	slow := mk("60")
	defer slow.Close()
	fast := mk("10")
	defer fast.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "slow", slow.URL, 0)
	oauthAcct(store, "fast", fast.URL, 1)

	fp := &testutil.FakeProvider{
		RateLimitFn: func(status int, h http.Header) ccflare.RateLimitSignal {
			if status != http.StatusTooManyRequests {
				return ccflare.RateLimitSignal{}
			}
			secs, _ := strconv.ParseInt(h.Get("Retry-After"), 10, 64)
			ms := secs * 1000
			return ccflare.RateLimitSignal{Limited: true, RetryAfterMs: &ms}
		},
	}
	d, _ := newDispatcher(t, store, fp, Options{})

	w := doProxy(d, `{"model":"claude-sonnet-4"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	retryAfter, _ := strconv.Atoi(w.Header().Get("Retry-After"))
	if retryAfter < 1 || retryAfter > 10 {
		t.Errorf("Retry-After = %d, want the soonest hold (<=10s)", retryAfter)
	}
}

func TestProxyTokenAccounting(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"type":"message"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "a", upstream.URL, 0)

	fp := &testutil.FakeProvider{
		ExtractorFn: func(bool) provider.UsageExtractor {
			return &captureExtractor{feed: func([]byte) {}}
		},
	}
	d, sink := newDispatcher(t, store, fp, Options{})

	if w := doProxy(d, `{"model":"claude-opus-4"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rec := sink.last(t)
	if rec.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", rec.TotalTokens)
	}
	if rec.Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want extractor-reported claude-sonnet-4", rec.Model)
	}
	// 10 in + 5 out at sonnet rates.
	want := (10*3.0 + 5*15.0) / 1_000_000
	if diff := rec.CostUSD - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", rec.CostUSD, want)
	}
}

func TestProxyPayloadCapture(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"type":"message"}`)
	}))
	defer upstream.Close()

	store := testutil.NewFakeStore()
	oauthAcct(store, "a", upstream.URL, 0)

	d, sink := newDispatcher(t, store, &testutil.FakeProvider{}, Options{CapturePayloads: true})

	if w := doProxy(d, `{"model":"claude-sonnet-4"}`); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(sink.payloads))
	}
	var doc ccflare.PayloadDoc
	if err := json.Unmarshal(sink.payloads[0].JSON, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Response.Body != `{"type":"message"}` || !doc.Meta.Success {
		t.Errorf("payload doc = %+v", doc)
	}
	if doc.Request.Body != `{"model":"claude-sonnet-4"}` {
		t.Errorf("request body = %q", doc.Request.Body)
	}
}
