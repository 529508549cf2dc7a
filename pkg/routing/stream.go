package routing

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"apex-hq/meridian/pkg/cache"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
	"apex-hq/meridian/pkg/ratelimit"
	"apex-hq/meridian/pkg/tasks"
	"apex-hq/meridian/pkg/telemetry/metrics"
	"apex-hq/meridian/pkg/telemetry/tracing"
)

// Stream is a routed streaming response. Chunks arrive in provider order;
// after the last chunk, Read returns io.EOF on clean completion or the
// stream's fatal error.
type Stream struct {
	reader providers.StreamReader

	// ProviderName is the routing-list entry serving this stream.
	ProviderName string

	// Cached is true when the stream is a cache replay.
	Cached bool

	// RawRequest is the serialized body sent upstream (empty for replays
	// without a recorded body).
	RawRequest string
}

// Read returns the next chunk.
func (s *Stream) Read(ctx context.Context) (*inference.StreamChunk, error) {
	return s.reader.Read(ctx)
}

// Close detaches the caller. For live streams the background drain continues
// so cache writes and ticket returns still complete.
func (s *Stream) Close() error {
	return s.reader.Close()
}

// chunkQueue is the unbounded forwarding channel between the drain goroutine
// and the caller. Push never blocks, so a slow caller cannot stall the
// provider connection.
type chunkQueue struct {
	mu     sync.Mutex
	items  []*inference.StreamChunk
	err    error
	closed bool
	ready  chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{ready: make(chan struct{}, 1)}
}

func (q *chunkQueue) push(chunk *inference.StreamChunk) {
	q.mu.Lock()
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.signal()
}

// close ends the queue; err nil means clean completion. Buffered chunks are
// still delivered before the terminal result.
func (q *chunkQueue) close(err error) {
	q.mu.Lock()
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks for the next chunk. Single reader only.
func (q *chunkQueue) pop(ctx context.Context) (*inference.StreamChunk, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wrapperConfig assembles one streamWrapper.
type wrapperConfig struct {
	model       string
	provider    string
	reader      providers.StreamReader
	cancel      context.CancelFunc
	first       *inference.StreamChunk
	store       cache.Store // nil disables the completion write
	fingerprint string
	rawRequest  string
	ticket      *ratelimit.Ticket
	tickets     *ratelimit.Manager
	tracker     *tasks.Tracker
	metrics     *metrics.Collector
	sink        tracing.SpanSink
}

// streamWrapper owns a live provider stream. A background drain task reads
// every chunk regardless of caller liveness, forwards through the unbounded
// queue, buffers for the cache write, accumulates usage, and settles the
// ticket when the stream ends.
type streamWrapper struct {
	cfg    wrapperConfig
	queue  *chunkQueue
	closed sync.Once
}

func newStreamWrapper(cfg wrapperConfig) *streamWrapper {
	w := &streamWrapper{cfg: cfg, queue: newChunkQueue()}
	if !cfg.tracker.Go("stream-drain", w.drain) {
		// Tracker is shutting down; run untracked rather than losing the
		// ticket-return and cache-write obligations.
		go w.drain()
	}
	return w
}

// Read implements providers.StreamReader for the caller side.
func (w *streamWrapper) Read(ctx context.Context) (*inference.StreamChunk, error) {
	return w.queue.pop(ctx)
}

// Close detaches the caller; the drain keeps running to completion.
func (w *streamWrapper) Close() error {
	return nil
}

func (w *streamWrapper) drain() {
	defer w.cfg.cancel()
	defer w.cfg.reader.Close()

	var (
		buffer []inference.StreamChunk
		usage  inference.Usage
	)

	forward := func(chunk *inference.StreamChunk) {
		if chunk.Usage != nil {
			usage.Add(*chunk.Usage)
		}
		buffer = append(buffer, *chunk)
		w.cfg.metrics.RecordStreamChunk(w.cfg.provider)
		w.queue.push(chunk)
	}

	if w.cfg.first != nil {
		forward(w.cfg.first)
	}

	// The drain is intentionally detached from the caller's context.
	ctx := context.Background()
	for {
		chunk, err := w.cfg.reader.Read(ctx)
		if err == io.EOF {
			w.finish(buffer, usage, nil)
			return
		}
		if err != nil {
			w.finish(buffer, usage, err)
			return
		}
		forward(chunk)
	}
}

// finish settles the stream's obligations exactly once: ticket return always,
// cache write only on clean completion.
func (w *streamWrapper) finish(buffer []inference.StreamChunk, usage inference.Usage, err error) {
	w.closed.Do(func() {
		w.settleTicket(usage, err)

		if err == nil && w.cfg.store != nil {
			w.writeCache(buffer, usage)
		}

		w.cfg.sink.RecordUsage(usage)
		w.cfg.sink.End(err)
		w.queue.close(err)
	})
}

func (w *streamWrapper) settleTicket(usage inference.Usage, streamErr error) {
	if w.cfg.ticket == nil || w.cfg.tickets == nil {
		return
	}
	outcome := ratelimit.Outcome{Usage: usage, Erred: streamErr != nil}
	if err := w.cfg.tickets.Return(context.Background(), w.cfg.ticket, outcome); err != nil {
		slog.Warn("ticket return failed", "model", w.cfg.model, "error", err)
		return
	}
	w.cfg.metrics.RecordTicket(metrics.TicketReturned)
	if _, known := usage.TotalTokens(); known && streamErr == nil {
		w.cfg.metrics.RecordTicket(metrics.TicketExact)
	} else {
		w.cfg.metrics.RecordTicket(metrics.TicketUnderEstimate)
	}
}

func (w *streamWrapper) writeCache(buffer []inference.StreamChunk, usage inference.Usage) {
	entry := &cache.StreamEntry{
		Chunks:     buffer,
		RawRequest: w.cfg.rawRequest,
		Usage:      usage,
	}
	if err := w.cfg.store.WriteStream(context.Background(), w.cfg.fingerprint, entry); err != nil {
		slog.Warn("cache write failed", "model", w.cfg.model, "error", err)
		w.cfg.metrics.RecordCacheEvent(metrics.CacheWriteError)
		return
	}
	w.cfg.metrics.RecordCacheEvent(metrics.CacheWrite)
}
