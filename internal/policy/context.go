package policy

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/luthien-dev/luthien-proxy/internal/events"
	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// Context is the request-scoped policy context, created once per transaction
// and dropped when the response body has been fully emitted. Scratchpads are
// never shared: two concurrent requests see disjoint contexts.
type Context struct {
	TransactionID string
	SessionID     string

	// RawRequest is the captured HTTP request body, when available.
	RawRequest []byte

	// Scratchpad holds arbitrary policy-private state for this transaction.
	Scratchpad map[string]any

	// Request is the current request, set before the first hook runs and
	// updated with the hook's result.
	Request *protocol.Request

	emitter *events.Emitter
	tracer  trace.Tracer
}

// NewContext creates a policy context for one transaction.
func NewContext(transactionID string, emitter *events.Emitter, tracer trace.Tracer) *Context {
	return &Context{
		TransactionID: transactionID,
		Scratchpad:    make(map[string]any),
		emitter:       emitter,
		tracer:        tracer,
	}
}

// Emitter exposes the event emitter handle.
func (c *Context) Emitter() *events.Emitter { return c.emitter }

// RecordEvent delivers a structured event tagged with the transaction id,
// without blocking the caller.
func (c *Context) RecordEvent(ctx context.Context, recordType string, data any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Record(ctx, c.TransactionID, recordType, data)
}

// EmitEvent delivers a structured event and waits for it to be enqueued on
// every sink.
func (c *Context) EmitEvent(ctx context.Context, recordType string, data any) error {
	if c.emitter == nil {
		return nil
	}
	return c.emitter.Emit(ctx, c.TransactionID, recordType, data)
}

// StartSpan opens a child trace span named "policy.<name>" with the
// transaction id attached. The caller must End the returned span.
func (c *Context) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := c.tracer
	if tracer == nil {
		tracer = trace.SpanFromContext(ctx).TracerProvider().Tracer("luthien")
	}
	attrs = append(attrs, attribute.String("transaction_id", c.TransactionID))
	return tracer.Start(ctx, "policy."+name, trace.WithAttributes(attrs...))
}
