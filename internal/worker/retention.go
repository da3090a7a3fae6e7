package worker

import (
	"context"
	"log/slog"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
)

const (
	retentionInterval    = 6 * time.Hour
	retentionVacuumPages = 1000
)

// RetentionWorker prunes aged telemetry and stale transient state: old
// request records and payloads, expired rate-limit holds, expired OAuth
// sessions. Each sweep finishes with an incremental vacuum so the database
// file shrinks over time.
type RetentionWorker struct {
	store       storage.Store
	payloadDays int
	requestDays int
	log         *slog.Logger
}

// NewRetentionWorker creates a RetentionWorker. Non-positive day counts
// disable the corresponding pruning.
func NewRetentionWorker(store storage.Store, payloadDays, requestDays int, log *slog.Logger) *RetentionWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RetentionWorker{store: store, payloadDays: payloadDays, requestDays: requestDays, log: log}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run sweeps once at startup, then every interval until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(retentionInterval)
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

func (w *RetentionWorker) sweep(ctx context.Context) {
	nowMs := ccflare.NowMs()
	var payloads, requests, holds, sessions int64

	if w.payloadDays > 0 {
		cutoff := nowMs - int64(w.payloadDays)*24*int64(time.Hour/time.Millisecond)
		n, err := w.store.DeletePayloadsBefore(ctx, cutoff)
		if err != nil {
			w.log.LogAttrs(ctx, slog.LevelError, "payload retention failed",
				slog.String("error", err.Error()))
		} else {
			payloads = n
		}
	}
	if w.requestDays > 0 {
		cutoff := nowMs - int64(w.requestDays)*24*int64(time.Hour/time.Millisecond)
		n, err := w.store.DeleteRequestsBefore(ctx, cutoff)
		if err != nil {
			w.log.LogAttrs(ctx, slog.LevelError, "request retention failed",
				slog.String("error", err.Error()))
		} else {
			requests = n
		}
	}

	n, err := w.store.ClearExpiredRateLimits(ctx, nowMs)
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "rate-limit cleanup failed",
			slog.String("error", err.Error()))
	} else {
		holds = n
	}

	n, err = w.store.DeleteExpiredOAuthSessions(ctx)
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "oauth session cleanup failed",
			slog.String("error", err.Error()))
	} else {
		sessions = n
	}

	if err := w.store.IncrementalVacuum(ctx, retentionVacuumPages); err != nil {
		w.log.LogAttrs(ctx, slog.LevelWarn, "incremental vacuum failed",
			slog.String("error", err.Error()))
	}

	w.log.LogAttrs(ctx, slog.LevelInfo, "retention sweep complete",
		slog.Int64("payloads_deleted", payloads),
		slog.Int64("requests_deleted", requests),
		slog.Int64("holds_cleared", holds),
		slog.Int64("oauth_sessions_deleted", sessions))
}
