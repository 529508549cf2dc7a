package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"apex-hq/meridian/pkg/inference"
)

const tracerName = "apex-hq/meridian"

// OtelSink adapts an OpenTelemetry span to the SpanSink port.
type OtelSink struct {
	span trace.Span
	once sync.Once
}

// StartSpan opens a span under the context's current trace and returns the
// sink plus the child context carrying the span.
func StartSpan(ctx context.Context, name string) (context.Context, *OtelSink) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &OtelSink{span: span}
}

// NewOtelSink wraps an existing span.
func NewOtelSink(span trace.Span) *OtelSink {
	return &OtelSink{span: span}
}

// SetAttribute implements SpanSink.
func (s *OtelSink) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

// MarkModelInference implements SpanSink. Attribute names follow the
// OpenInference conventions so trace UIs classify the span as an LLM call.
func (s *OtelSink) MarkModelInference(model, provider string) {
	s.span.SetAttributes(
		attribute.String("openinference.span.kind", "LLM"),
		attribute.String("llm.model_name", model),
		attribute.String("llm.provider", provider),
	)
}

// RecordUsage implements SpanSink.
func (s *OtelSink) RecordUsage(usage inference.Usage) {
	if usage.InputTokens != nil {
		s.span.SetAttributes(attribute.Int("llm.token_count.prompt", *usage.InputTokens))
	}
	if usage.OutputTokens != nil {
		s.span.SetAttributes(attribute.Int("llm.token_count.completion", *usage.OutputTokens))
	}
	if total, ok := usage.TotalTokens(); ok {
		s.span.SetAttributes(attribute.Int("llm.token_count.total", total))
	}
}

// End implements SpanSink.
func (s *OtelSink) End(err error) {
	s.once.Do(func() {
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		} else {
			s.span.SetStatus(codes.Ok, "")
		}
		s.span.End()
	})
}
