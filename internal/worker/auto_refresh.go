package worker

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
)

const (
	autoRefreshInterval = 60 * time.Second

	// autoRefreshBody is the minimal request that restarts a provider usage
	// window. The bypass header keeps it from hijacking the sticky session.
	autoRefreshBody = `{"model":"claude-3-5-haiku-latest","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`
)

// AutoRefreshWorker restarts provider usage windows for opted-in accounts.
// When an account's window reset passes with no organic traffic restarting
// it, a minimal synthesized request is dispatched so the window keeps cycling
// and auto-fallback reclaim has fresh reset data.
type AutoRefreshWorker struct {
	store           storage.AccountStore
	proxy           http.Handler
	sessionDuration time.Duration
	log             *slog.Logger
}

// NewAutoRefreshWorker creates an AutoRefreshWorker dispatching through
// proxy, the same handler that serves client /v1/* traffic.
func NewAutoRefreshWorker(store storage.AccountStore, proxy http.Handler, sessionDuration time.Duration, log *slog.Logger) *AutoRefreshWorker {
	if sessionDuration <= 0 {
		sessionDuration = 5 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &AutoRefreshWorker{store: store, proxy: proxy, sessionDuration: sessionDuration, log: log}
}

// Name returns the worker identifier.
func (w *AutoRefreshWorker) Name() string { return "auto_refresh" }

// Run checks once per interval until ctx is cancelled.
func (w *AutoRefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(autoRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *AutoRefreshWorker) sweep(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx)
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "auto-refresh account list failed",
			slog.String("error", err.Error()))
		return
	}

	nowMs := ccflare.NowMs()
	for _, a := range accounts {
		if !w.due(a, nowMs) {
			continue
		}
		w.log.LogAttrs(ctx, slog.LevelInfo, "auto-refresh window restart",
			slog.String("account", a.Name))
		w.synthesize(ctx)
		// One synthesized request restarts the window for whichever account
		// the selector picks; the next sweep re-evaluates the rest.
		return
	}
}

// due reports whether the account's window has reset without a live session
// taking its place.
func (w *AutoRefreshWorker) due(a *ccflare.Account, nowMs int64) bool {
	if !a.AutoRefreshEnabled || !a.Kind.SessionTracking() || !a.Available(nowMs) {
		return false
	}
	if !a.WindowReset(nowMs) {
		return false
	}
	return !a.SessionFresh(nowMs, w.sessionDuration.Milliseconds())
}

func (w *AutoRefreshWorker) synthesize(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", strings.NewReader(autoRefreshBody))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ccflare.BypassSessionHeader, "1")

	rw := &discardWriter{header: make(http.Header)}
	w.proxy.ServeHTTP(rw, req)
	if rw.status >= 400 {
		w.log.LogAttrs(ctx, slog.LevelWarn, "auto-refresh request failed",
			slog.Int("status", rw.status))
	}
}

// discardWriter is an http.ResponseWriter that swallows the synthesized
// request's response.
type discardWriter struct {
	header http.Header
	status int
}

func (d *discardWriter) Header() http.Header       { return d.header }
func (d *discardWriter) WriteHeader(status int)    { d.status = status }
func (d *discardWriter) Write(p []byte) (int, error) {
	if d.status == 0 {
		d.status = http.StatusOK
	}
	return len(p), nil
}
