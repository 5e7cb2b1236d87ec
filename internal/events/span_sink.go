package events

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanSink attaches each record to the active trace span. It must run inline
// on the request goroutine, where the span lives in the context.
type SpanSink struct{}

// NewSpanSink creates a span sink.
func NewSpanSink() *SpanSink { return &SpanSink{} }

func (s *SpanSink) Name() string { return "span" }

func (s *SpanSink) Inline() bool { return true }

func (s *SpanSink) Deliver(ctx context.Context, rec *Record) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	span.AddEvent(rec.RecordType, trace.WithAttributes(
		attribute.String("record_type", rec.RecordType),
		attribute.String("transaction_id", rec.TransactionID),
	))
	return nil
}

func (s *SpanSink) Close() error { return nil }
