package policy

import (
	"context"
	"fmt"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// Policy is the hook surface a gateway policy implements. Every hook has a
// pass-through default on Base, so policies override only what they need.
//
// Per chunk, the executor dispatches in a fixed order: OnChunkReceived, then
// the applicable *Complete hook, then the applicable *Delta hook, then
// OnFinishReason. A chunk that closes one block and opens the next therefore
// reports the completion before the first delta of the successor.
type Policy interface {
	// Name identifies the policy in logs and events.
	Name() string

	// OnRequest transforms or rejects the incoming request before it is
	// dispatched upstream. Return a *RejectError to block the call.
	OnRequest(ctx context.Context, pctx *Context, req *protocol.Request) (*protocol.Request, error)

	// OnResponse transforms the non-streaming response.
	OnResponse(ctx context.Context, pctx *Context, resp *protocol.Response) (*protocol.Response, error)

	// OnChunkReceived runs for every ingress chunk. The default forwards the
	// raw chunk to the egress queue unchanged.
	OnChunkReceived(ctx context.Context, sctx *StreamContext) error

	// OnContentDelta runs while the current block is accumulating text.
	OnContentDelta(ctx context.Context, sctx *StreamContext) error

	// OnContentComplete runs once when a text block completes.
	OnContentComplete(ctx context.Context, sctx *StreamContext) error

	// OnToolCallDelta runs while the current block is accumulating a tool call.
	OnToolCallDelta(ctx context.Context, sctx *StreamContext) error

	// OnToolCallComplete runs once when a tool-call block completes.
	OnToolCallComplete(ctx context.Context, sctx *StreamContext) error

	// OnFinishReason runs when the chunk carried a finish reason.
	OnFinishReason(ctx context.Context, sctx *StreamContext) error

	// OnStreamComplete runs once after the ingress stream is exhausted.
	OnStreamComplete(ctx context.Context, sctx *StreamContext) error
}

// RejectError blocks a request or response on behalf of a policy. It is
// surfaced to the client as a structured HTTP error; streaming never starts.
type RejectError struct {
	Message string
	Code    string
}

func (e *RejectError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("policy rejected request (%s): %s", e.Code, e.Message)
	}
	return "policy rejected request: " + e.Message
}

// Reject builds a RejectError.
func Reject(format string, args ...any) *RejectError {
	return &RejectError{Message: fmt.Sprintf(format, args...)}
}

// Base provides pass-through defaults for every hook. Embed it so new hooks
// added to the interface do not break existing policies.
type Base struct{}

func (Base) OnRequest(_ context.Context, _ *Context, req *protocol.Request) (*protocol.Request, error) {
	return req, nil
}

func (Base) OnResponse(_ context.Context, _ *Context, resp *protocol.Response) (*protocol.Response, error) {
	return resp, nil
}

func (Base) OnChunkReceived(ctx context.Context, sctx *StreamContext) error {
	return sctx.PassthroughLastChunk(ctx)
}

func (Base) OnContentDelta(context.Context, *StreamContext) error    { return nil }
func (Base) OnContentComplete(context.Context, *StreamContext) error { return nil }
func (Base) OnToolCallDelta(context.Context, *StreamContext) error   { return nil }
func (Base) OnToolCallComplete(context.Context, *StreamContext) error {
	return nil
}
func (Base) OnFinishReason(context.Context, *StreamContext) error  { return nil }
func (Base) OnStreamComplete(context.Context, *StreamContext) error { return nil }
