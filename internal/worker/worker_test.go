package worker

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/testutil"
	"github.com/ccflare/ccflare/internal/tokens"
)

func TestRequestWriterFlushesOnShutdown(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	w := NewRequestWriter(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		w.Record(ccflare.RequestRecord{ID: "r", Timestamp: ccflare.NowMs()})
	}
	w.RecordPayload(ccflare.RequestPayload{ID: "p", JSON: []byte(`{}`)})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not drain on shutdown")
	}

	if len(store.Requests) != 5 {
		t.Errorf("flushed requests = %d, want 5", len(store.Requests))
	}
	if len(store.Payloads) != 1 {
		t.Errorf("flushed payloads = %d, want 1", len(store.Payloads))
	}
}

func TestRequestWriterDropsNewestOnOverflow(t *testing.T) {
	t.Parallel()
	w := NewRequestWriter(testutil.NewFakeStore(), nil)

	// Without a running consumer, the queue fills and the newest records are
	// rejected.
	for i := 0; i < writeQueueSize+3; i++ {
		w.Record(ccflare.RequestRecord{ID: "r"})
	}
	if got := w.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if got := w.Depth(); got != writeQueueSize {
		t.Errorf("depth = %d, want %d", got, writeQueueSize)
	}
}

func TestSchedulerRegisterReplaceUnregister(t *testing.T) {
	t.Parallel()
	s := NewScheduler(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	var first, second atomic.Int64
	s.Register("job", func(context.Context) { first.Add(1) }, time.Hour, true)
	waitFor(t, func() bool { return first.Load() == 1 })

	// Re-registration replaces the first task.
	unregister := s.Register("job", func(context.Context) { second.Add(1) }, time.Hour, true)
	waitFor(t, func() bool { return second.Load() == 1 })

	unregister()
	if got := first.Load(); got != 1 {
		t.Errorf("replaced task ran %d times, want 1", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// pollingProvider extends FakeProvider with a usage window endpoint.
type pollingProvider struct {
	testutil.FakeProvider
	signal ccflare.RateLimitSignal
	calls  atomic.Int64
}

func (p *pollingProvider) FetchWindow(context.Context, *ccflare.Account, string) (ccflare.RateLimitSignal, error) {
	p.calls.Add(1)
	return p.signal, nil
}

func TestUsagePollerUpdatesWindow(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	reset := ccflare.NowMs() + 3_600_000
	remaining := int64(42)
	fp := &pollingProvider{signal: ccflare.RateLimitSignal{
		Remaining: &remaining, ResetAt: &reset, Status: "allowed",
	}}
	reg := provider.NewRegistry()
	reg.Register(fp)

	store.AddAccount(&ccflare.Account{
		ID: "a", Name: "a", Kind: ccflare.KindAnthropicOAuth,
		AccessToken: "at", AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		RefreshToken: "rt",
	})
	// Paused accounts are still polled so reclaim data stays fresh.
	store.AddAccount(&ccflare.Account{
		ID: "b", Name: "b", Kind: ccflare.KindAnthropicOAuth, Paused: true,
		AccessToken: "at", AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		RefreshToken: "rt",
	})

	w := NewUsagePollWorker(store, reg, tokens.New(store, reg, time.Second, nil), nil)
	w.pollAll(context.Background())

	if got := fp.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2 (paused account included)", got)
	}
	a, _ := store.GetAccount(context.Background(), "a")
	if a.RateLimitReset == nil || *a.RateLimitReset != reset {
		t.Errorf("reset = %v, want %d", a.RateLimitReset, reset)
	}
	if a.RateLimitRemaining == nil || *a.RateLimitRemaining != remaining {
		t.Errorf("remaining = %v", a.RateLimitRemaining)
	}
	if a.RateLimitStatus != "allowed" {
		t.Errorf("status = %q", a.RateLimitStatus)
	}
}

func TestUsagePollerBackoffAfterFailure(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	reg := provider.NewRegistry()
	fp := &failingPoller{}
	reg.Register(fp)
	store.AddAccount(&ccflare.Account{
		ID: "a", Name: "a", Kind: ccflare.KindAnthropicOAuth,
		AccessToken: "at", AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		RefreshToken: "rt",
	})

	w := NewUsagePollWorker(store, reg, tokens.New(store, reg, time.Second, nil), nil)
	w.pollAll(context.Background())
	if got := fp.calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
	// Within the backoff window the account is skipped.
	w.pollAll(context.Background())
	if got := fp.calls.Load(); got != 1 {
		t.Errorf("fetch calls after backoff skip = %d, want still 1", got)
	}
}

type failingPoller struct {
	testutil.FakeProvider
	calls atomic.Int64
}

func (p *failingPoller) FetchWindow(context.Context, *ccflare.Account, string) (ccflare.RateLimitSignal, error) {
	p.calls.Add(1)
	return ccflare.RateLimitSignal{}, context.DeadlineExceeded
}

type countingProxy struct {
	calls  atomic.Int64
	bypass atomic.Bool
}

func (c *countingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls.Add(1)
	c.bypass.Store(r.Header.Get(ccflare.BypassSessionHeader) != "")
	w.WriteHeader(http.StatusOK)
}

func TestAutoRefreshSynthesizesWhenDue(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	now := ccflare.NowMs()

	reset := now - 1000
	store.AddAccount(&ccflare.Account{
		ID: "due", Name: "due", Kind: ccflare.KindAnthropicOAuth,
		AutoRefreshEnabled: true, RateLimitReset: &reset,
	})

	proxy := &countingProxy{}
	w := NewAutoRefreshWorker(store, proxy, 5*time.Hour, nil)
	w.sweep(context.Background())

	if got := proxy.calls.Load(); got != 1 {
		t.Fatalf("synthesized requests = %d, want 1", got)
	}
	if !proxy.bypass.Load() {
		t.Error("synthesized request must carry the bypass header")
	}
}

func TestAutoRefreshSkipsLiveSessionAndDisabled(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	now := ccflare.NowMs()
	reset := now - 1000
	sessionStart := now - 60_000

	// Live session: the window restarted organically.
	store.AddAccount(&ccflare.Account{
		ID: "live", Name: "live", Kind: ccflare.KindAnthropicOAuth,
		AutoRefreshEnabled: true, RateLimitReset: &reset, SessionStart: &sessionStart,
	})
	// Opted out.
	store.AddAccount(&ccflare.Account{
		ID: "off", Name: "off", Kind: ccflare.KindAnthropicOAuth,
		RateLimitReset: &reset,
	})
	// Window not yet reset.
	future := now + 3_600_000
	store.AddAccount(&ccflare.Account{
		ID: "early", Name: "early", Kind: ccflare.KindAnthropicOAuth,
		AutoRefreshEnabled: true, RateLimitReset: &future,
	})

	proxy := &countingProxy{}
	w := NewAutoRefreshWorker(store, proxy, 5*time.Hour, nil)
	w.sweep(context.Background())

	if got := proxy.calls.Load(); got != 0 {
		t.Errorf("synthesized requests = %d, want 0", got)
	}
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	now := ccflare.NowMs()

	old := now - 40*24*3_600_000
	store.Requests = []ccflare.RequestRecord{
		{ID: "old", Timestamp: old},
		{ID: "fresh", Timestamp: now},
	}
	expired := now - 1000
	store.AddAccount(&ccflare.Account{
		ID: "a", Name: "a", Kind: ccflare.KindAnthropicOAuth,
		RateLimitedUntil: &expired, RateLimitStatus: "rejected",
	})

	w := NewRetentionWorker(store, 7, 30, nil)
	w.sweep(context.Background())

	if len(store.Requests) != 1 || store.Requests[0].ID != "fresh" {
		t.Errorf("requests after sweep = %+v", store.Requests)
	}
	a, _ := store.GetAccount(context.Background(), "a")
	if a.RateLimitedUntil != nil {
		t.Error("expired hold not cleared")
	}
}
