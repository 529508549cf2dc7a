// Package metrics exposes the gateway's Prometheus instrumentation: request
// outcomes, failover transitions, cache events, ticket lifecycle, provider
// latency, and stream chunk counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache event label values.
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheWrite      = "write"
	CacheWriteError = "write_error"
)

// Ticket event label values.
const (
	TicketConsumed      = "consumed"
	TicketReturned      = "returned"
	TicketExact         = "exact"
	TicketUnderEstimate = "underestimate"
)

// Collector owns the gateway metric instruments. A nil *Collector is valid
// and records nothing, so callers never need nil checks at call sites.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	failovers       *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	tickets         *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	streamChunks    *prometheus.CounterVec
}

// NewCollector creates and registers the gateway instruments. A nil registry
// gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_inference_requests_total",
			Help: "Inference requests by model, provider and outcome.",
		}, []string{"model", "provider", "outcome"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_failover_total",
			Help: "Failover transitions between providers of one model.",
		}, []string{"model", "from", "to"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_cache_events_total",
			Help: "Cache lookups and writes by kind.",
		}, []string{"kind"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_tickets_total",
			Help: "Rate-limit ticket lifecycle events.",
		}, []string{"event"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "meridian_provider_latency_seconds",
			Help: "Provider call latency by call kind.",
			// LLM latencies run from sub-second TTFT to tens of seconds.
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"provider", "kind"}),
		streamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_stream_chunks_total",
			Help: "Stream chunks forwarded to callers.",
		}, []string{"provider"}),
	}

	registry.MustRegister(
		c.requests, c.failovers, c.cacheEvents,
		c.tickets, c.providerLatency, c.streamChunks,
	)
	return c
}

// Registry returns the backing registry for handler exposure.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRequest counts one routed request outcome ("success", "error",
// "cached", "timeout").
func (c *Collector) RecordRequest(model, provider, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(model, provider, outcome).Inc()
}

// RecordFailover counts one advance from one provider to the next.
func (c *Collector) RecordFailover(model, from, to string) {
	if c == nil {
		return
	}
	c.failovers.WithLabelValues(model, from, to).Inc()
}

// RecordCacheEvent counts one cache interaction.
func (c *Collector) RecordCacheEvent(kind string) {
	if c == nil {
		return
	}
	c.cacheEvents.WithLabelValues(kind).Inc()
}

// RecordTicket counts one ticket lifecycle event.
func (c *Collector) RecordTicket(event string) {
	if c == nil {
		return
	}
	c.tickets.WithLabelValues(event).Inc()
}

// RecordProviderLatency observes one provider call duration; kind is "unary"
// or "ttft".
func (c *Collector) RecordProviderLatency(provider, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerLatency.WithLabelValues(provider, kind).Observe(d.Seconds())
}

// RecordStreamChunk counts one forwarded stream chunk.
func (c *Collector) RecordStreamChunk(provider string) {
	if c == nil {
		return
	}
	c.streamChunks.WithLabelValues(provider).Inc()
}
