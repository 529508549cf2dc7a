// Package tracing defines the span-enrichment port the router and stream
// wrapper write through, with a no-op sink and an OpenTelemetry adapter.
package tracing

import (
	"apex-hq/meridian/pkg/inference"
)

// SpanSink receives span enrichment for one inference. The router sets
// routing attributes, the stream wrapper records usage and closes the sink
// when the stream completes.
type SpanSink interface {
	// SetAttribute records one key/value pair on the span.
	SetAttribute(key string, value any)

	// MarkModelInference marks the span as a model-inference chain node so
	// trace UIs group it with LLM semantics.
	MarkModelInference(model, provider string)

	// RecordUsage records final token usage.
	RecordUsage(usage inference.Usage)

	// End closes the span; a non-nil err marks it failed. Idempotent.
	End(err error)
}

// NopSink discards everything. The zero value is ready to use.
type NopSink struct{}

// SetAttribute implements SpanSink.
func (NopSink) SetAttribute(string, any) {}

// MarkModelInference implements SpanSink.
func (NopSink) MarkModelInference(string, string) {}

// RecordUsage implements SpanSink.
func (NopSink) RecordUsage(inference.Usage) {}

// End implements SpanSink.
func (NopSink) End(error) {}
