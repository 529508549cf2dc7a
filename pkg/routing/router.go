// Package routing implements the ordered-failover router: for one logical
// model it tries providers strictly in routing-list order, bracketing every
// attempt with cache lookups, rate-limit tickets and two timeout tiers, and
// aggregates failures into an ordered exhaustion error.
package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"apex-hq/meridian/pkg/cache"
	"apex-hq/meridian/pkg/inference"
	"apex-hq/meridian/pkg/providers"
	"apex-hq/meridian/pkg/ratelimit"
	"apex-hq/meridian/pkg/tasks"
	"apex-hq/meridian/pkg/telemetry/metrics"
	"apex-hq/meridian/pkg/telemetry/tracing"
)

// SpanStarter opens a span for one routed request. The default starter
// returns a no-op sink.
type SpanStarter func(ctx context.Context, name string) (context.Context, tracing.SpanSink)

// Config assembles one Router.
type Config struct {
	// Model is the logical model name.
	Model string

	// Providers is the failover list, already in routing order.
	Providers []providers.Provider

	// Timeouts are the terminal model-level bounds.
	Timeouts Timeouts

	// ProviderTimeouts are advisory per-binding bounds keyed by binding name.
	ProviderTimeouts map[string]Timeouts

	// Cache is the response cache; nil disables caching entirely.
	Cache cache.Store

	// CacheMode controls cache participation when Cache is set.
	CacheMode cache.Mode

	// Tickets is the rate-limit manager; nil disables rate limiting.
	Tickets *ratelimit.Manager

	// Tracker runs deferred ticket returns and cache writes; a private
	// tracker is created when nil.
	Tracker *tasks.Tracker

	// Metrics receives instrumentation; nil records nothing.
	Metrics *metrics.Collector

	// StartSpan opens the per-request span; no-op when nil.
	StartSpan SpanStarter
}

// Router dispatches requests for one logical model.
type Router struct {
	model            string
	order            []providers.Provider
	timeouts         Timeouts
	providerTimeouts map[string]Timeouts
	store            cache.Store
	cacheMode        cache.Mode
	tickets          *ratelimit.Manager
	tracker          *tasks.Tracker
	metrics          *metrics.Collector
	startSpan        SpanStarter
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Model == "" {
		return nil, errors.New("model name cannot be empty")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("routing list cannot be empty")
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = tasks.New()
	}
	startSpan := cfg.StartSpan
	if startSpan == nil {
		startSpan = func(ctx context.Context, _ string) (context.Context, tracing.SpanSink) {
			return ctx, tracing.NopSink{}
		}
	}
	return &Router{
		model:            cfg.Model,
		order:            cfg.Providers,
		timeouts:         cfg.Timeouts,
		providerTimeouts: cfg.ProviderTimeouts,
		store:            cfg.Cache,
		cacheMode:        cfg.CacheMode,
		tickets:          cfg.Tickets,
		tracker:          tracker,
		metrics:          cfg.Metrics,
		startSpan:        startSpan,
	}, nil
}

// Tracker exposes the deferred-work registry so process shutdown can await
// pending ticket returns and cache writes.
func (r *Router) Tracker() *tasks.Tracker { return r.tracker }

// terminal reports errors that must not trigger failover: they would fail
// identically on every provider, or they abort the whole request.
func terminal(err error) bool {
	return errors.Is(err, providers.ErrInvalidRequest) ||
		errors.Is(err, providers.ErrSerialization) ||
		errors.Is(err, ratelimit.ErrMissingMaxTokens) ||
		errors.Is(err, ErrModelTimeout)
}

func (r *Router) providerTimeout(name string) Timeouts {
	if r.providerTimeouts == nil {
		return Timeouts{}
	}
	return r.providerTimeouts[name]
}

// modelContext applies the terminal model-level bound for one tier.
func modelContext(ctx context.Context, total time.Duration) (context.Context, context.CancelFunc) {
	if total <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, total)
}

// loopError converts a context failure of the failover loop into the
// caller-facing error.
func (r *Router) loopError(ctx context.Context, total time.Duration) error {
	if total > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ModelTimeoutError{Model: r.model, Timeout: total}
	}
	return ctx.Err()
}

// Infer routes one unary request through the failover loop.
func (r *Router) Infer(ctx context.Context, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	total := r.timeouts.NonStreaming.Total()
	ctx, cancel := modelContext(ctx, total)
	defer cancel()

	ctx, sink := r.startSpan(ctx, "infer")
	sink.SetAttribute("model", r.model)

	var attempts []Attempt
	for i, p := range r.order {
		if ctx.Err() != nil {
			err := r.loopError(ctx, total)
			r.metrics.RecordRequest(r.model, p.Name(), "timeout")
			sink.End(err)
			return nil, err
		}
		if i > 0 {
			r.metrics.RecordFailover(r.model, r.order[i-1].Name(), p.Name())
		}

		resp, err := r.attemptUnary(ctx, p, req)
		if err == nil {
			sink.MarkModelInference(r.model, p.Name())
			sink.RecordUsage(resp.Usage)
			sink.End(nil)
			outcome := "success"
			if resp.Cached {
				outcome = "cached"
			}
			r.metrics.RecordRequest(r.model, p.Name(), outcome)
			return resp, nil
		}
		if ctx.Err() != nil && !terminal(err) {
			err = r.loopError(ctx, total)
		}
		if terminal(err) {
			r.metrics.RecordRequest(r.model, p.Name(), "error")
			sink.End(err)
			return nil, err
		}
		slog.Warn("provider attempt failed",
			"model", r.model, "provider", p.Name(), "error", err)
		r.metrics.RecordRequest(r.model, p.Name(), "error")
		attempts = append(attempts, Attempt{Provider: p.Name(), Err: err})
	}

	exhausted := &ExhaustedError{Model: r.model, Attempts: attempts}
	sink.End(exhausted)
	return nil, exhausted
}

// attemptUnary runs the per-attempt state machine:
// cache lookup, ticket consume, dispatch, ticket return, cache write.
func (r *Router) attemptUnary(ctx context.Context, p providers.Provider, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	filtered := inference.FilterScoped(req, r.model, p.Name(), p.Kind())

	body, err := p.TranslateRequest(filtered)
	if err != nil {
		return nil, err
	}
	fingerprint := cache.Fingerprint(r.model, p.Name(), body, filtered.ToolConfig)

	if hit := r.lookupUnary(ctx, fingerprint); hit != nil {
		resp := hit.Response
		resp.Cached = true
		resp.Latency = 0
		resp.ModelProviderName = p.Name()
		return &resp, nil
	}

	ticket, err := r.consumeTicket(ctx, filtered)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.dispatchUnary(ctx, p, filtered)
	if err != nil {
		r.returnTicket(ticket, ratelimit.Outcome{Erred: true})
		return nil, err
	}
	r.metrics.RecordProviderLatency(p.Name(), "unary", time.Since(start))
	r.returnTicket(ticket, ratelimit.Outcome{Usage: resp.Usage})

	resp.ModelProviderName = p.Name()
	if r.cacheWriteEnabled() && !resp.Cached {
		r.writeUnary(fingerprint, resp)
	}
	return resp, nil
}

// dispatchUnary runs the provider call under the advisory per-provider
// timeout; expiry abandons the in-flight call and reports failover.
func (r *Router) dispatchUnary(ctx context.Context, p providers.Provider, req *inference.CanonicalRequest) (*inference.ProviderResponse, error) {
	timeout := r.providerTimeout(p.Name()).NonStreaming.Total()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *inference.ProviderResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := p.Infer(callCtx, req)
		done <- result{resp, err}
	}()

	var expiry <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case res := <-done:
		return res.resp, res.err
	case <-expiry:
		cancel()
		return nil, &ProviderTimeoutError{Provider: p.Name(), Timeout: timeout}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// InferStream routes one streaming request. The TTFT window covers opening
// the stream and peeking the first chunk; once peeked, the stream is handed
// to the caller and mid-stream errors no longer failover.
func (r *Router) InferStream(ctx context.Context, req *inference.CanonicalRequest) (*Stream, error) {
	ttftTotal := r.timeouts.Streaming.TTFT()
	ctx, cancel := modelContext(ctx, ttftTotal)
	defer cancel()

	ctx, sink := r.startSpan(ctx, "infer_stream")
	sink.SetAttribute("model", r.model)
	sink.SetAttribute("stream", true)

	var attempts []Attempt
	for i, p := range r.order {
		if ctx.Err() != nil {
			err := r.loopError(ctx, ttftTotal)
			r.metrics.RecordRequest(r.model, p.Name(), "timeout")
			sink.End(err)
			return nil, err
		}
		if i > 0 {
			r.metrics.RecordFailover(r.model, r.order[i-1].Name(), p.Name())
		}

		stream, err := r.attemptStream(ctx, p, req, sink)
		if err == nil {
			outcome := "success"
			if stream.Cached {
				outcome = "cached"
			}
			r.metrics.RecordRequest(r.model, p.Name(), outcome)
			return stream, nil
		}
		if ctx.Err() != nil && !terminal(err) {
			err = r.loopError(ctx, ttftTotal)
		}
		if terminal(err) {
			r.metrics.RecordRequest(r.model, p.Name(), "error")
			sink.End(err)
			return nil, err
		}
		slog.Warn("provider stream attempt failed",
			"model", r.model, "provider", p.Name(), "error", err)
		r.metrics.RecordRequest(r.model, p.Name(), "error")
		attempts = append(attempts, Attempt{Provider: p.Name(), Err: err})
	}

	exhausted := &ExhaustedError{Model: r.model, Attempts: attempts}
	sink.End(exhausted)
	return nil, exhausted
}

// attemptStream runs one streaming attempt: cache replay on hit, otherwise
// open + peek under the TTFT window and hand the stream to the wrapper.
func (r *Router) attemptStream(ctx context.Context, p providers.Provider, req *inference.CanonicalRequest, sink tracing.SpanSink) (*Stream, error) {
	filtered := inference.FilterScoped(req, r.model, p.Name(), p.Kind())

	body, err := p.TranslateRequest(filtered)
	if err != nil {
		return nil, err
	}
	fingerprint := cache.Fingerprint(r.model, p.Name(), body, filtered.ToolConfig)

	if entry := r.lookupStream(ctx, fingerprint); entry != nil {
		sink.MarkModelInference(r.model, p.Name())
		sink.RecordUsage(entry.Usage)
		sink.End(nil)
		return &Stream{
			reader:       cache.NewReplay(entry),
			ProviderName: p.Name(),
			Cached:       true,
			RawRequest:   entry.RawRequest,
		}, nil
	}

	ticket, err := r.consumeTicket(ctx, filtered)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	opened, err := r.openAndPeek(ctx, p, filtered)
	if err != nil {
		r.returnTicket(ticket, ratelimit.Outcome{Erred: true})
		return nil, err
	}
	r.metrics.RecordProviderLatency(p.Name(), "ttft", time.Since(start))
	sink.MarkModelInference(r.model, p.Name())

	var writeStore cache.Store
	if r.cacheWriteEnabled() {
		writeStore = r.store
	}
	wrapper := newStreamWrapper(wrapperConfig{
		model:       r.model,
		provider:    p.Name(),
		reader:      opened.reader,
		cancel:      opened.cancel,
		first:       opened.first,
		store:       writeStore,
		fingerprint: fingerprint,
		rawRequest:  opened.rawRequest,
		ticket:      ticket,
		tickets:     r.tickets,
		tracker:     r.tracker,
		metrics:     r.metrics,
		sink:        sink,
	})
	return &Stream{
		reader:       wrapper,
		ProviderName: p.Name(),
		RawRequest:   opened.rawRequest,
	}, nil
}

// openedStream is a provider stream with its first chunk already peeked.
// first is nil when the provider stream was empty.
type openedStream struct {
	reader     providers.StreamReader
	rawRequest string
	first      *inference.StreamChunk
	cancel     context.CancelFunc
	err        error
}

// openAndPeek opens the stream and reads the first chunk inside the advisory
// TTFT window. The stream's own context is detached from the caller so the
// wrapper can keep draining after a disconnect; only the router cancels it.
func (r *Router) openAndPeek(ctx context.Context, p providers.Provider, req *inference.CanonicalRequest) (*openedStream, error) {
	ttft := r.providerTimeout(p.Name()).Streaming.TTFT()
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))

	done := make(chan openedStream, 1)
	go func() {
		reader, raw, err := p.InferStream(streamCtx, req)
		if err != nil {
			done <- openedStream{err: err}
			return
		}
		first, readErr := reader.Read(streamCtx)
		if readErr != nil && readErr != io.EOF {
			reader.Close()
			done <- openedStream{err: readErr}
			return
		}
		done <- openedStream{reader: reader, rawRequest: raw, first: first}
	}()

	var expiry <-chan time.Time
	if ttft > 0 {
		timer := time.NewTimer(ttft)
		defer timer.Stop()
		expiry = timer.C
	}

	abandon := func() {
		cancelStream()
		r.tracker.Go("abandon-stream", func() {
			if o := <-done; o.reader != nil {
				o.reader.Close()
			}
		})
	}

	select {
	case o := <-done:
		if o.err != nil {
			cancelStream()
			return nil, o.err
		}
		o.cancel = cancelStream
		return &o, nil
	case <-expiry:
		abandon()
		return nil, &ProviderTimeoutError{Provider: p.Name(), Timeout: ttft}
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (r *Router) cacheReadEnabled() bool {
	return r.store != nil && r.cacheMode.Read
}

func (r *Router) cacheWriteEnabled() bool {
	return r.store != nil && r.cacheMode.Write
}

func (r *Router) lookupUnary(ctx context.Context, fingerprint string) *cache.UnaryEntry {
	if !r.cacheReadEnabled() {
		return nil
	}
	entry, err := r.store.LookupUnary(ctx, fingerprint, r.cacheMode.MaxAge())
	if err != nil {
		slog.Warn("cache lookup failed", "model", r.model, "error", err)
		return nil
	}
	if entry == nil {
		r.metrics.RecordCacheEvent(metrics.CacheMiss)
		return nil
	}
	r.metrics.RecordCacheEvent(metrics.CacheHit)
	return entry
}

func (r *Router) lookupStream(ctx context.Context, fingerprint string) *cache.StreamEntry {
	if !r.cacheReadEnabled() {
		return nil
	}
	entry, err := r.store.LookupStream(ctx, fingerprint, r.cacheMode.MaxAge())
	if err != nil {
		slog.Warn("cache lookup failed", "model", r.model, "error", err)
		return nil
	}
	if entry == nil {
		r.metrics.RecordCacheEvent(metrics.CacheMiss)
		return nil
	}
	r.metrics.RecordCacheEvent(metrics.CacheHit)
	return entry
}

func (r *Router) consumeTicket(ctx context.Context, req *inference.CanonicalRequest) (*ratelimit.Ticket, error) {
	if r.tickets == nil {
		return nil, nil
	}
	ticket, err := r.tickets.Consume(ctx, r.model, req)
	if err != nil {
		return nil, err
	}
	if ticket != nil {
		r.metrics.RecordTicket(metrics.TicketConsumed)
	}
	return ticket, nil
}

// returnTicket settles the ticket on the task tracker so the return survives
// caller disconnects; it runs inline when the tracker is shutting down.
func (r *Router) returnTicket(ticket *ratelimit.Ticket, outcome ratelimit.Outcome) {
	if ticket == nil || r.tickets == nil {
		return
	}
	run := func() {
		if err := r.tickets.Return(context.Background(), ticket, outcome); err != nil {
			slog.Warn("ticket return failed", "model", r.model, "error", err)
			return
		}
		r.metrics.RecordTicket(metrics.TicketReturned)
		if _, known := outcome.Usage.TotalTokens(); known && !outcome.Erred {
			r.metrics.RecordTicket(metrics.TicketExact)
		} else {
			r.metrics.RecordTicket(metrics.TicketUnderEstimate)
		}
	}
	if !r.tracker.Go("ticket-return", run) {
		run()
	}
}

// writeUnary stores a fresh success, fire-and-forget.
func (r *Router) writeUnary(fingerprint string, resp *inference.ProviderResponse) {
	entry := &cache.UnaryEntry{Response: *resp}
	run := func() {
		if err := r.store.WriteUnary(context.Background(), fingerprint, entry); err != nil {
			slog.Warn("cache write failed", "model", r.model, "error", err)
			r.metrics.RecordCacheEvent(metrics.CacheWriteError)
			return
		}
		r.metrics.RecordCacheEvent(metrics.CacheWrite)
	}
	if !r.tracker.Go("cache-write", run) {
		run()
	}
}
