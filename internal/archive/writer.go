package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livetranslate/internal/session"
)

const (
	writeTimeout = 5 * time.Second
	maxBatch     = 64
)

// EntryWriter is the persistence side of a [Writer]. [*Store] implements it.
type EntryWriter interface {
	WriteEntries(ctx context.Context, records []Record) error
}

// Writer queues entries from the session event loop and writes them in
// batches on its own goroutine. It implements [session.Archiver].
type Writer struct {
	dst     EntryWriter
	queue   chan Record
	breaker *breaker
	dropped atomic.Int64
}

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithSuspendAfter suspends writes for cooldown once n consecutive batches
// have failed. The default is 3 failures and 30 seconds.
func WithSuspendAfter(n int, cooldown time.Duration) WriterOption {
	return func(w *Writer) { w.breaker = newBreaker(n, cooldown) }
}

// NewWriter creates a Writer with room for queueSize pending entries.
func NewWriter(dst EntryWriter, queueSize int, opts ...WriterOption) *Writer {
	if queueSize <= 0 {
		queueSize = 512
	}
	w := &Writer{dst: dst, queue: make(chan Record, queueSize)}
	for _, o := range opts {
		o(w)
	}
	if w.breaker == nil {
		w.breaker = newBreaker(0, 0)
	}
	return w
}

// Archive enqueues e. It never blocks; when the queue is full the entry is
// dropped and counted.
func (w *Writer) Archive(sessionID string, e session.Entry) {
	select {
	case w.queue <- Record{SessionID: sessionID, Entry: e}:
	default:
		n := w.dropped.Add(1)
		slog.Warn("archive: queue full, dropping entry", "session_id", sessionID, "dropped_total", n)
	}
}

// Dropped returns the number of entries dropped so far, either because the
// queue was full or because writes were suspended.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Run writes queued entries until ctx is cancelled, then flushes what is
// still queued. It always returns nil.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return nil
		case r := <-w.queue:
			batch := w.collect([]Record{r})
			w.write(ctx, batch)
		}
	}
}

// collect drains up to maxBatch records without waiting.
func (w *Writer) collect(batch []Record) []Record {
	for len(batch) < maxBatch {
		select {
		case r := <-w.queue:
			batch = append(batch, r)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) flush(ctx context.Context) {
	for {
		batch := w.collect(nil)
		if len(batch) == 0 {
			return
		}
		w.write(ctx, batch)
	}
}

func (w *Writer) write(ctx context.Context, batch []Record) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := w.breaker.do(func() error { return w.dst.WriteEntries(ctx, batch) })
	switch {
	case errors.Is(err, errBreakerOpen):
		n := w.dropped.Add(int64(len(batch)))
		slog.Debug("archive: writes suspended, dropping batch", "entries", len(batch), "dropped_total", n)
	case err != nil:
		slog.Error("archive: write failed", "entries", len(batch), "err", err)
	}
}

var _ session.Archiver = (*Writer)(nil)
