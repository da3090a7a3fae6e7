package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/storage"
	"github.com/ccflare/ccflare/internal/tokens"
)

const (
	usagePollInterval   = 60 * time.Second
	usagePollBackoffMin = 5 * time.Minute
	usagePollBackoffMax = time.Hour
	usagePollMaxFails   = 10
)

// UsagePollWorker periodically asks usage-capable providers for each
// account's window state so the selector sees fresh reset timestamps even
// when no traffic flows. Paused accounts are still polled: their window data
// drives auto-fallback reclaim once they resume.
type UsagePollWorker struct {
	store    storage.AccountStore
	registry *provider.Registry
	tokens   *tokens.Manager
	log      *slog.Logger

	mu    sync.Mutex
	state map[string]*pollState // account ID -> failure state
}

type pollState struct {
	failures int
	nextTry  time.Time
}

// NewUsagePollWorker creates a UsagePollWorker.
func NewUsagePollWorker(store storage.AccountStore, registry *provider.Registry, tm *tokens.Manager, log *slog.Logger) *UsagePollWorker {
	if log == nil {
		log = slog.Default()
	}
	return &UsagePollWorker{
		store:    store,
		registry: registry,
		tokens:   tm,
		log:      log,
		state:    make(map[string]*pollState),
	}
}

// Name returns the worker identifier.
func (w *UsagePollWorker) Name() string { return "usage_poller" }

// Run polls once immediately, then on the fixed interval until ctx is
// cancelled.
func (w *UsagePollWorker) Run(ctx context.Context) error {
	w.pollAll(ctx)

	ticker := time.NewTicker(usagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pollAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsagePollWorker) pollAll(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx)
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "usage poll account list failed",
			slog.String("error", err.Error()))
		return
	}

	for _, a := range accounts {
		if ctx.Err() != nil {
			return
		}
		p, err := w.registry.Get(a.Kind)
		if err != nil {
			continue
		}
		poller, ok := p.(provider.UsagePoller)
		if !ok {
			continue
		}
		w.pollOne(ctx, poller, a)
	}
}

func (w *UsagePollWorker) pollOne(ctx context.Context, poller provider.UsagePoller, a *ccflare.Account) {
	st := w.stateFor(a.ID)
	if st.failures >= usagePollMaxFails {
		return
	}
	if !st.nextTry.IsZero() && time.Now().Before(st.nextTry) {
		return
	}

	cred, err := w.tokens.Credential(ctx, a)
	if err != nil {
		w.fail(ctx, st, a, err)
		return
	}
	signal, err := poller.FetchWindow(ctx, a, cred)
	if err != nil {
		w.fail(ctx, st, a, err)
		return
	}
	if err := w.store.UpdateRateLimitWindow(ctx, a.ID, signal.Remaining, signal.ResetAt, signal.Status); err != nil {
		w.fail(ctx, st, a, err)
		return
	}

	st.failures = 0
	st.nextTry = time.Time{}
	w.log.LogAttrs(ctx, slog.LevelDebug, "usage window updated",
		slog.String("account", a.Name),
		slog.String("status", signal.Status))
}

// fail applies exponential backoff to one account's polling. After the
// failure cap the account is left alone until the process restarts.
func (w *UsagePollWorker) fail(ctx context.Context, st *pollState, a *ccflare.Account, err error) {
	st.failures++
	backoff := usagePollBackoffMin << (st.failures - 1)
	if backoff > usagePollBackoffMax {
		backoff = usagePollBackoffMax
	}
	st.nextTry = time.Now().Add(backoff)

	level := slog.LevelWarn
	if st.failures >= usagePollMaxFails {
		level = slog.LevelError
	}
	w.log.LogAttrs(ctx, level, "usage poll failed",
		slog.String("account", a.Name),
		slog.Int("failures", st.failures),
		slog.String("error", err.Error()))
}

func (w *UsagePollWorker) stateFor(id string) *pollState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state[id]
	if !ok {
		st = &pollState{}
		w.state[id] = st
	}
	return st
}
