// Package dispatch runs the per-request failover loop: ordered candidates
// from the selector, credential fetch, upstream attempts with retry and
// backoff, and the streaming tee back to the client.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/pricing"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/selector"
	"github.com/ccflare/ccflare/internal/storage"
	"github.com/ccflare/ccflare/internal/telemetry"
	"github.com/ccflare/ccflare/internal/tokens"
)

// maxInboundBody bounds the buffered client request body. The body is held
// in memory so it can be replayed across failover candidates.
const maxInboundBody = 10 << 20

// Recorder receives completed request telemetry. Implementations must not
// block the caller.
type Recorder interface {
	Record(rec ccflare.RequestRecord)
	RecordPayload(p ccflare.RequestPayload)
}

// Options tunes dispatch behavior. Zero values fall back to defaults.
type Options struct {
	RetryAttempts   int           // transient retries per account
	RetryDelay      time.Duration // initial backoff
	RetryBackoff    float64       // backoff multiplier
	RequestTimeout  time.Duration // cap on one attempt reaching response headers
	RateLimitHold   time.Duration // hold applied when a 429 carries no timing
	CapturePayloads bool
}

func (o *Options) setDefaults() {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RetryBackoff <= 1 {
		o.RetryBackoff = 2
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.RateLimitHold <= 0 {
		o.RateLimitHold = 5 * time.Minute
	}
}

// Dispatcher proxies one inbound request to the first account that can serve
// it, walking the selector's candidate list on failure.
type Dispatcher struct {
	store    storage.Store
	registry *provider.Registry
	tokens   *tokens.Manager
	selector *selector.Selector
	pricing  *pricing.Catalog
	recorder Recorder
	client   *http.Client
	metrics  *telemetry.Metrics
	opts     Options
	log      *slog.Logger
}

// New returns a Dispatcher. client, metrics and log may be nil.
func New(store storage.Store, registry *provider.Registry, tm *tokens.Manager, sel *selector.Selector, catalog *pricing.Catalog, recorder Recorder, client *http.Client, metrics *telemetry.Metrics, opts Options, log *slog.Logger) *Dispatcher {
	opts.setDefaults()
	if client == nil {
		client = &http.Client{Transport: provider.NewTransport(nil, true)}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		tokens:   tm,
		selector: sel,
		pricing:  catalog,
		recorder: recorder,
		client:   client,
		metrics:  metrics,
		opts:     opts,
		log:      log,
	}
}

// attempt outcomes for one candidate account.
type outcome int

const (
	outcomeServed outcome = iota // response went to the client, loop is over
	outcomeRateLimited
	outcomeFailed
)

// ServeProxy handles one /v1/* request end to end.
func (d *Dispatcher) ServeProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	startMs := start.UnixMilli()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody+1))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxInboundBody {
		WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	in := &provider.InboundRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   body,
		Model:  gjson.GetBytes(body, "model").String(),
		Stream: gjson.GetBytes(body, "stream").Bool(),
	}
	meta := ccflare.RequestMeta{
		Method:        r.Method,
		Path:          r.URL.Path,
		Model:         in.Model,
		BypassSession: r.Header.Get(ccflare.BypassSessionHeader) != "",
	}
	rec := ccflare.RequestRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp: startMs,
		Method:    r.Method,
		Path:      r.URL.Path,
		Model:     in.Model,
	}

	if d.metrics != nil {
		d.metrics.ActiveRequests.Inc()
		defer d.metrics.ActiveRequests.Dec()
	}

	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelError, "list accounts failed", slog.String("error", err.Error()))
		d.finishError(w, &rec, start, http.StatusInternalServerError, "account lookup failed")
		return
	}

	candidates := d.selector.Select(ctx, accounts, meta, startMs)
	if len(candidates) == 0 {
		d.finishError(w, &rec, start, http.StatusServiceUnavailable, ccflare.ErrNoAccounts.Error())
		return
	}

	var (
		soonestRetry int64
		rateLimited  int
	)
	for _, a := range candidates {
		out, rlUntil := d.tryAccount(ctx, w, a, in, &rec, start)
		if out == outcomeServed {
			return
		}
		// The candidate failed and the loop moves on, possibly past the end.
		rec.FailoverAttempts++
		if d.metrics != nil {
			d.metrics.FailoverTotal.Inc()
		}
		if out == outcomeRateLimited {
			rateLimited++
			if soonestRetry == 0 || rlUntil < soonestRetry {
				soonestRetry = rlUntil
			}
		}
		if ctx.Err() != nil {
			// Client gave up between candidates; nothing left to serve.
			d.finish(&rec, start, 0, false, "client disconnected")
			return
		}
	}

	if rateLimited == len(candidates) {
		secs := (soonestRetry - ccflare.NowMs() + 999) / 1000
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		d.finishError(w, &rec, start, http.StatusTooManyRequests, ccflare.ErrRateLimited.Error())
		return
	}
	d.finishError(w, &rec, start, http.StatusBadGateway, ccflare.ErrAllAccountsFailed.Error())
}

// tryAccount runs the inner retry loop for one candidate. It returns
// outcomeServed once any response has been committed to the client.
func (d *Dispatcher) tryAccount(ctx context.Context, w http.ResponseWriter, a *ccflare.Account, in *provider.InboundRequest, rec *ccflare.RequestRecord, start time.Time) (outcome, int64) {
	p, err := d.registry.Get(a.Kind)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelError, "no adapter for account",
			slog.String("account", a.Name), slog.String("kind", string(a.Kind)))
		return outcomeFailed, 0
	}

	cred, err := d.tokens.Credential(ctx, a)
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "credential unavailable",
			slog.String("account", a.Name), slog.String("error", err.Error()))
		return outcomeFailed, 0
	}

	transientLeft := d.opts.RetryAttempts
	forcedRefresh := false
	attempt := 0
	for {
		resp, err := d.doAttempt(ctx, p, a, cred, in)
		if d.metrics != nil {
			d.metrics.UpstreamDuration.WithLabelValues(string(a.Kind), in.Model).
				Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				return outcomeFailed, 0
			}
			d.log.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
				slog.String("account", a.Name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			transientLeft--
			if transientLeft <= 0 || !d.sleep(ctx, attempt) {
				return outcomeFailed, 0
			}
			attempt++
			continue
		}

		signal := p.ParseRateLimit(resp.StatusCode, resp.Header)
		if !signal.Limited && (signal.Remaining != nil || signal.ResetAt != nil || signal.Status != "") {
			if uerr := d.store.UpdateRateLimitWindow(ctx, a.ID, signal.Remaining, signal.ResetAt, signal.Status); uerr != nil {
				d.log.LogAttrs(ctx, slog.LevelWarn, "rate-limit window update failed",
					slog.String("account", a.Name), slog.String("error", uerr.Error()))
			}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || signal.Limited:
			discard(resp)
			until := signal.RetryUntil(ccflare.NowMs(), d.opts.RateLimitHold)
			status := signal.Status
			if status == "" {
				status = "rejected"
			}
			if merr := d.store.MarkRateLimited(ctx, a.ID, until, status, signal.Remaining, signal.ResetAt); merr != nil {
				d.log.LogAttrs(ctx, slog.LevelError, "mark rate limited failed",
					slog.String("account", a.Name), slog.String("error", merr.Error()))
			}
			if d.metrics != nil {
				d.metrics.RateLimitHits.WithLabelValues(a.Name).Inc()
			}
			d.log.LogAttrs(ctx, slog.LevelInfo, "account rate limited",
				slog.String("account", a.Name), slog.Int64("until", until))
			return outcomeRateLimited, until

		case resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout:
			discard(resp)
			d.countUpstreamError(a, resp.StatusCode)
			transientLeft--
			if transientLeft <= 0 || !d.sleep(ctx, attempt) {
				return outcomeFailed, 0
			}
			attempt++

		case (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) &&
			a.Kind == ccflare.KindAnthropicOAuth:
			discard(resp)
			d.countUpstreamError(a, resp.StatusCode)
			if forcedRefresh {
				// A freshly minted token was rejected too; the account is
				// broken, not the credential cache. Move to the next one.
				d.log.LogAttrs(ctx, slog.LevelWarn, "credential rejected after refresh",
					slog.String("account", a.Name), slog.Int("status", resp.StatusCode))
				return outcomeFailed, 0
			}
			fresh, rerr := d.tokens.ForceRefresh(ctx, a, cred)
			if rerr != nil {
				d.log.LogAttrs(ctx, slog.LevelWarn, "forced refresh failed",
					slog.String("account", a.Name), slog.String("error", rerr.Error()))
				return outcomeFailed, 0
			}
			cred = fresh
			forcedRefresh = true

		default:
			// Committed: everything from here streams to the client, including
			// upstream errors that are not the pool's fault.
			d.serve(ctx, w, resp, p, a, in, rec, start)
			return outcomeServed, 0
		}
	}
}

// doAttempt builds and sends one upstream request. The attempt timeout covers
// dialing through response headers; once headers arrive the stream lifetime
// belongs to the client connection.
func (d *Dispatcher) doAttempt(ctx context.Context, p provider.Provider, a *ccflare.Account, cred string, in *provider.InboundRequest) (*http.Response, error) {
	req, err := p.PrepareRequest(a, cred, in)
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}

	actx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.opts.RequestTimeout, cancel)
	resp, err := d.client.Do(req.WithContext(actx))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	timer.Stop()
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the attempt context when the response body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// serve commits the upstream response to the client and completes the record.
func (d *Dispatcher) serve(ctx context.Context, w http.ResponseWriter, resp *http.Response, p provider.Provider, a *ccflare.Account, in *provider.InboundRequest, rec *ccflare.RequestRecord, start time.Time) {
	res := d.pipe(w, resp, p, in)

	rec.AccountUsed = a.ID
	rec.StatusCode = resp.StatusCode
	rec.Success = resp.StatusCode < 400 && res.upstreamErr == nil && !res.clientGone
	if res.upstreamErr != nil {
		rec.ErrorMessage = res.upstreamErr.Error()
	} else if res.clientGone {
		rec.ErrorMessage = "client disconnected"
	}
	rec.Tokens = res.tokens
	rec.TotalTokens = res.tokens.Total()
	if res.model != "" {
		rec.Model = res.model
	}
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	if d.pricing != nil {
		rec.CostUSD = d.pricing.Cost(rec.Model, res.tokens)
	}
	if secs := time.Since(start).Seconds(); secs > 0 && res.tokens.OutputTokens > 0 {
		rec.OutputTokensPerSecond = float64(res.tokens.OutputTokens) / secs
	}

	if err := d.store.IncrementRequestCounters(ctx, a.ID, ccflare.NowMs(), a.Kind.SessionTracking()); err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "request counter update failed",
			slog.String("account", a.Name), slog.String("error", err.Error()))
	}

	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(rec.Method, strconv.Itoa(rec.StatusCode)).Inc()
		d.metrics.RequestDuration.WithLabelValues(rec.Method).Observe(time.Since(start).Seconds())
		d.metrics.CountTokens(rec.Model, res.tokens.InputTokens, res.tokens.OutputTokens,
			res.tokens.CacheReadInputTokens, res.tokens.CacheCreationInputTokens)
	}

	d.log.LogAttrs(ctx, slog.LevelInfo, "request served",
		slog.String("account", a.Name),
		slog.Int("status", rec.StatusCode),
		slog.Int64("tokens", rec.TotalTokens),
		slog.Int("failover_attempts", rec.FailoverAttempts),
		slog.Int64("duration_ms", rec.ResponseTimeMs))

	if d.recorder != nil {
		d.recorder.Record(*rec)
		if d.opts.CapturePayloads {
			d.recorder.RecordPayload(buildPayload(rec, in, resp, res))
		}
	}
}

// finish completes a record that never reached an upstream response.
func (d *Dispatcher) finish(rec *ccflare.RequestRecord, start time.Time, status int, success bool, msg string) {
	rec.StatusCode = status
	rec.Success = success
	rec.ErrorMessage = msg
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(rec.Method, strconv.Itoa(status)).Inc()
	}
	if d.recorder != nil {
		d.recorder.Record(*rec)
	}
}

func (d *Dispatcher) finishError(w http.ResponseWriter, rec *ccflare.RequestRecord, start time.Time, status int, msg string) {
	WriteError(w, status, msg)
	d.finish(rec, start, status, false, msg)
}

func (d *Dispatcher) countUpstreamError(a *ccflare.Account, status int) {
	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(string(a.Kind), strconv.Itoa(status)).Inc()
	}
}

// sleep blocks for the jittered backoff of the given attempt. It returns
// false if the context was cancelled while waiting.
func (d *Dispatcher) sleep(ctx context.Context, attempt int) bool {
	base := float64(d.opts.RetryDelay) * math.Pow(d.opts.RetryBackoff, float64(attempt))
	jitter := 0.75 + 0.5*rand.Float64()
	t := time.NewTimer(time.Duration(base * jitter))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// discard drains a bounded amount of an abandoned response body so the
// connection can be reused, then closes it.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
