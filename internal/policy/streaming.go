package policy

import (
	"context"
	"time"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
)

// StreamContext wraps the transaction context for streaming hooks. It owns
// the policy's outbound channel and the keep-alive handle that resets the
// executor's inactivity deadline.
type StreamContext struct {
	*Context

	// State is the ingress stream state maintained by the assembler.
	State *stream.State

	egress    chan<- *protocol.Chunk
	keepalive func()
	onEgress  func(*protocol.Chunk)
}

// NewStreamContext builds the streaming context. keepalive resets the
// executor's deadline; onEgress taps every emitted chunk for recording and
// may be nil.
func NewStreamContext(pctx *Context, state *stream.State, egress chan<- *protocol.Chunk, keepalive func(), onEgress func(*protocol.Chunk)) *StreamContext {
	if keepalive == nil {
		keepalive = func() {}
	}
	return &StreamContext{
		Context:   pctx,
		State:     state,
		egress:    egress,
		keepalive: keepalive,
		onEgress:  onEgress,
	}
}

// Keepalive resets the executor's inactivity deadline. Long-running hooks
// must call it at intervals below the configured timeout.
func (s *StreamContext) Keepalive() { s.keepalive() }

// PushChunk enqueues a chunk onto the egress queue, blocking while the queue
// is full until the context is cancelled.
func (s *StreamContext) PushChunk(ctx context.Context, chunk *protocol.Chunk) error {
	select {
	case s.egress <- chunk:
		if s.onEgress != nil {
			s.onEgress(chunk)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText fabricates a well-formed chunk carrying one text-content delta
// and enqueues it.
func (s *StreamContext) SendText(ctx context.Context, text string) error {
	chunk := s.newChunk()
	chunk.Choices = []protocol.Choice{{
		Index: 0,
		Delta: protocol.Delta{Content: text},
	}}
	return s.PushChunk(ctx, chunk)
}

// SendFinish fabricates a terminal chunk with the given finish reason.
func (s *StreamContext) SendFinish(ctx context.Context, reason protocol.FinishReason) error {
	chunk := s.newChunk()
	chunk.Choices = []protocol.Choice{{
		Index:        0,
		FinishReason: reason,
	}}
	return s.PushChunk(ctx, chunk)
}

// SendToolCall fabricates a chunk containing one complete tool call plus a
// terminal tool_calls finish reason, and enqueues it. The chunk is flagged so
// the Anthropic formatter emits the whole block sequence at once.
func (s *StreamContext) SendToolCall(ctx context.Context, tc protocol.ToolCall) error {
	chunk := s.newChunk()
	chunk.CompleteToolCall = true
	chunk.Choices = []protocol.Choice{{
		Index: 0,
		Delta: protocol.Delta{
			ToolCalls: []protocol.ToolCallFragment{{
				Index: 0,
				ID:    tc.ID,
				Type:  "function",
				Function: protocol.FunctionFragment{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}},
		},
		FinishReason: protocol.FinishReasonToolCalls,
	}}
	return s.PushChunk(ctx, chunk)
}

// PassthroughAccumulatedChunks replays raw ingress chunks from the last
// emission watermark to the end of the raw buffer.
func (s *StreamContext) PassthroughAccumulatedChunks(ctx context.Context) error {
	for s.State.EmittedIndex < len(s.State.RawChunks) {
		chunk := s.State.RawChunks[s.State.EmittedIndex]
		s.State.EmittedIndex++
		if err := s.PushChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// PassthroughLastChunk replays only the most recent ingress chunk and
// advances the watermark past it.
func (s *StreamContext) PassthroughLastChunk(ctx context.Context) error {
	chunk := s.State.LastChunk()
	if chunk == nil {
		return nil
	}
	s.State.EmittedIndex = len(s.State.RawChunks)
	return s.PushChunk(ctx, chunk)
}

// newChunk seeds a fabricated chunk with the transaction's identity.
func (s *StreamContext) newChunk() *protocol.Chunk {
	model := ""
	if s.Request != nil {
		model = s.Request.Model
	}
	return &protocol.Chunk{
		ID:      "chatcmpl_" + s.TransactionID,
		Object:  "chat.completion.chunk",
		Model:   model,
		Created: time.Now().Unix(),
	}
}
