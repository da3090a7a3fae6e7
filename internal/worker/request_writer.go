package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/storage"
	"github.com/ccflare/ccflare/internal/telemetry"
)

const (
	writeQueueSize  = 10_000
	writeBatchSize  = 100
	writeFlushEvery = 5 * time.Second
	writeDrainTime  = 30 * time.Second
)

// writeItem carries either a record or a payload through the queue.
type writeItem struct {
	rec     *ccflare.RequestRecord
	payload *ccflare.RequestPayload
}

// RequestWriter buffers request telemetry and batch-flushes it to the store.
// The queue is a bounded FIFO: when full, new items are dropped (the oldest
// queued work is preserved), logged and counted.
type RequestWriter struct {
	ch      chan writeItem
	store   storage.RequestStore
	metrics *telemetry.Metrics
	dropped atomic.Int64
}

// NewRequestWriter creates a RequestWriter backed by store. metrics may be nil.
func NewRequestWriter(store storage.RequestStore, metrics *telemetry.Metrics) *RequestWriter {
	return &RequestWriter{
		ch:      make(chan writeItem, writeQueueSize),
		store:   store,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (w *RequestWriter) Name() string { return "request_writer" }

// Record enqueues a request record. It never blocks; drops on a full queue.
func (w *RequestWriter) Record(rec ccflare.RequestRecord) {
	w.enqueue(writeItem{rec: &rec})
}

// RecordPayload enqueues an archived payload. It never blocks; drops on a
// full queue.
func (w *RequestWriter) RecordPayload(p ccflare.RequestPayload) {
	w.enqueue(writeItem{payload: &p})
}

func (w *RequestWriter) enqueue(item writeItem) {
	select {
	case w.ch <- item:
		if w.metrics != nil {
			w.metrics.WriteQueueDepth.Set(float64(len(w.ch)))
		}
	default:
		n := w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.WriteQueueDrops.Inc()
		}
		slog.Warn("telemetry record dropped, write queue full", "total_dropped", n)
	}
}

// Depth returns the current queue length.
func (w *RequestWriter) Depth() int { return len(w.ch) }

// Dropped returns the total records dropped on overflow.
func (w *RequestWriter) Dropped() int64 { return w.dropped.Load() }

// Run processes items until ctx is cancelled, then drains the queue with a
// bounded timeout.
func (w *RequestWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(writeFlushEvery)
	defer ticker.Stop()

	recs := make([]ccflare.RequestRecord, 0, writeBatchSize)
	payloads := make([]ccflare.RequestPayload, 0, writeBatchSize)

	for {
		select {
		case item := <-w.ch:
			recs, payloads = w.collect(item, recs, payloads)
			if len(recs)+len(payloads) >= writeBatchSize {
				w.flush(ctx, recs, payloads)
				recs, payloads = recs[:0], payloads[:0]
			}

		case <-ticker.C:
			if len(recs)+len(payloads) > 0 {
				w.flush(ctx, recs, payloads)
				recs, payloads = recs[:0], payloads[:0]
			}

		case <-ctx.Done():
			w.drain(recs, payloads)
			return nil
		}
	}
}

func (w *RequestWriter) collect(item writeItem, recs []ccflare.RequestRecord, payloads []ccflare.RequestPayload) ([]ccflare.RequestRecord, []ccflare.RequestPayload) {
	if item.rec != nil {
		recs = append(recs, *item.rec)
	}
	if item.payload != nil {
		payloads = append(payloads, *item.payload)
	}
	return recs, payloads
}

// drain empties the queue after shutdown so accepted telemetry is not lost.
func (w *RequestWriter) drain(recs []ccflare.RequestRecord, payloads []ccflare.RequestPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), writeDrainTime)
	defer cancel()

	for {
		select {
		case item := <-w.ch:
			recs, payloads = w.collect(item, recs, payloads)
			if len(recs)+len(payloads) >= writeBatchSize {
				w.flush(ctx, recs, payloads)
				recs, payloads = recs[:0], payloads[:0]
			}
		default:
			if len(recs)+len(payloads) > 0 {
				w.flush(ctx, recs, payloads)
			}
			return
		}
	}
}

func (w *RequestWriter) flush(ctx context.Context, recs []ccflare.RequestRecord, payloads []ccflare.RequestPayload) {
	if len(recs) > 0 {
		batch := make([]ccflare.RequestRecord, len(recs))
		copy(batch, recs)
		if err := w.store.InsertRequests(ctx, batch); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "request flush failed",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(payloads) > 0 {
		batch := make([]ccflare.RequestPayload, len(payloads))
		copy(batch, payloads)
		if err := w.store.InsertPayloads(ctx, batch); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "payload flush failed",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
	if w.metrics != nil {
		w.metrics.WriteQueueDepth.Set(float64(len(w.ch)))
	}
}
