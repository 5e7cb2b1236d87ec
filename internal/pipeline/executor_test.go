package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

func textChunk(text string) *protocol.Chunk {
	return &protocol.Chunk{
		ID:      "chatcmpl_test",
		Model:   "gpt-4o",
		Choices: []protocol.Choice{{Delta: protocol.Delta{Content: text}}},
	}
}

func toolChunk(index int, id, name, args string) *protocol.Chunk {
	return &protocol.Chunk{
		ID:    "chatcmpl_test",
		Model: "gpt-4o",
		Choices: []protocol.Choice{{
			Delta: protocol.Delta{ToolCalls: []protocol.ToolCallFragment{{
				Index: index,
				ID:    id,
				Type:  "function",
				Function: protocol.FunctionFragment{
					Name:      name,
					Arguments: args,
				},
			}}},
		}},
	}
}

func finishChunk(reason protocol.FinishReason) *protocol.Chunk {
	return &protocol.Chunk{
		ID:      "chatcmpl_test",
		Model:   "gpt-4o",
		Choices: []protocol.Choice{{FinishReason: reason}},
	}
}

// runExecutor drives pol over the given ingress chunks and collects egress.
func runExecutor(t *testing.T, exec *Executor, pol policy.Policy, chunks []*protocol.Chunk) ([]*protocol.Chunk, error) {
	t.Helper()

	ingress := make(chan *protocol.Chunk, len(chunks))
	for _, c := range chunks {
		ingress <- c
	}
	close(ingress)

	egress := make(chan *protocol.Chunk, len(chunks)+16)
	pctx := policy.NewContext("tx_test", nil, nil)

	done := make(chan error, 1)
	go func() { done <- exec.Process(context.Background(), ingress, egress, pol, pctx, nil) }()

	var out []*protocol.Chunk
	for chunk := range egress {
		out = append(out, chunk)
	}
	select {
	case err := <-done:
		return out, err
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not finish")
		return nil, nil
	}
}

func TestExecutorNoOpPassesStreamThroughUnchanged(t *testing.T) {
	chunks := []*protocol.Chunk{
		textChunk("a"),
		textChunk("b"),
		toolChunk(0, "call_1", "f", `{}`),
		finishChunk(protocol.FinishReasonToolCalls),
	}
	out, err := runExecutor(t, NewExecutor(time.Second), policy.NewNoOp(), chunks)
	require.NoError(t, err)
	require.Len(t, out, len(chunks))
	for i := range chunks {
		assert.Same(t, chunks[i], out[i])
	}
}

// hookRecorder notes every hook invocation in order.
type hookRecorder struct {
	policy.Base
	calls []string
}

func (*hookRecorder) Name() string { return "hook_recorder" }

func (h *hookRecorder) OnChunkReceived(ctx context.Context, sctx *policy.StreamContext) error {
	h.calls = append(h.calls, "received")
	return sctx.PassthroughLastChunk(ctx)
}

func (h *hookRecorder) OnContentDelta(context.Context, *policy.StreamContext) error {
	h.calls = append(h.calls, "content_delta")
	return nil
}

func (h *hookRecorder) OnContentComplete(context.Context, *policy.StreamContext) error {
	h.calls = append(h.calls, "content_complete")
	return nil
}

func (h *hookRecorder) OnToolCallDelta(context.Context, *policy.StreamContext) error {
	h.calls = append(h.calls, "tool_call_delta")
	return nil
}

func (h *hookRecorder) OnToolCallComplete(context.Context, *policy.StreamContext) error {
	h.calls = append(h.calls, "tool_call_complete")
	return nil
}

func (h *hookRecorder) OnFinishReason(context.Context, *policy.StreamContext) error {
	h.calls = append(h.calls, "finish_reason")
	return nil
}

func (h *hookRecorder) OnStreamComplete(context.Context, *policy.StreamContext) error {
	h.calls = append(h.calls, "stream_complete")
	return nil
}

func TestExecutorHookDispatchOrder(t *testing.T) {
	rec := &hookRecorder{}
	_, err := runExecutor(t, NewExecutor(time.Second), rec, []*protocol.Chunk{
		textChunk("hello"),
		// This chunk completes the text block and starts the tool call:
		// the completion hook must fire before the tool delta hook.
		toolChunk(0, "call_1", "f", `{"a":`),
		toolChunk(0, "", "", `1}`),
		finishChunk(protocol.FinishReasonToolCalls),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"received", "content_delta",
		"received", "content_complete", "tool_call_delta",
		"received", "tool_call_delta",
		"received", "tool_call_complete", "finish_reason",
		"stream_complete",
	}, rec.calls)
}

// stallingPolicy blocks inside a hook until its context dies.
type stallingPolicy struct {
	policy.Base
	stall     time.Duration
	keepalive time.Duration
}

func (*stallingPolicy) Name() string { return "staller" }

func (p *stallingPolicy) OnChunkReceived(ctx context.Context, sctx *policy.StreamContext) error {
	deadline := time.Now().Add(p.stall)
	for time.Now().Before(deadline) {
		interval := p.keepalive
		if interval <= 0 {
			interval = p.stall
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			if p.keepalive > 0 {
				sctx.Keepalive()
			}
		}
	}
	return sctx.PassthroughLastChunk(ctx)
}

func TestExecutorTimesOutSilentPolicy(t *testing.T) {
	pol := &stallingPolicy{stall: 2 * time.Second}
	out, err := runExecutor(t, NewExecutor(100*time.Millisecond), pol, []*protocol.Chunk{
		textChunk("x"),
	})
	assert.ErrorIs(t, err, ErrPolicyTimeout)
	assert.Empty(t, out)
}

// obliviousFinisher sleeps through the deadline in OnStreamComplete without
// ever checking its context, then reports success.
type obliviousFinisher struct {
	policy.Base
	sleep time.Duration
}

func (*obliviousFinisher) Name() string { return "oblivious" }

func (p *obliviousFinisher) OnChunkReceived(ctx context.Context, sctx *policy.StreamContext) error {
	return sctx.PassthroughLastChunk(ctx)
}

func (p *obliviousFinisher) OnStreamComplete(context.Context, *policy.StreamContext) error {
	time.Sleep(p.sleep)
	return nil
}

func TestExecutorSurfacesTimeoutFromContextIgnoringHook(t *testing.T) {
	pol := &obliviousFinisher{sleep: 300 * time.Millisecond}
	_, err := runExecutor(t, NewExecutor(50*time.Millisecond), pol, []*protocol.Chunk{
		textChunk("x"),
		finishChunk(protocol.FinishReasonStop),
	})
	assert.ErrorIs(t, err, ErrPolicyTimeout)
}

func TestExecutorKeepaliveExtendsDeadline(t *testing.T) {
	pol := &stallingPolicy{stall: 300 * time.Millisecond, keepalive: 50 * time.Millisecond}
	out, err := runExecutor(t, NewExecutor(150*time.Millisecond), pol, []*protocol.Chunk{
		textChunk("x"),
		finishChunk(protocol.FinishReasonStop),
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

// failingPolicy errors on the first chunk.
type failingPolicy struct {
	policy.Base
}

func (*failingPolicy) Name() string { return "failer" }

func (*failingPolicy) OnChunkReceived(context.Context, *policy.StreamContext) error {
	return errors.New("hook exploded")
}

func TestExecutorClosesEgressOnHookError(t *testing.T) {
	// runExecutor ranges over egress; it only returns if egress is closed.
	out, err := runExecutor(t, NewExecutor(time.Second), &failingPolicy{}, []*protocol.Chunk{
		textChunk("x"),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPolicyTimeout)
	assert.Empty(t, out)
}

func TestExecutorMalformedChunkFailsStream(t *testing.T) {
	malformed := &protocol.Chunk{Choices: []protocol.Choice{{
		Delta: protocol.Delta{
			Content:   "x",
			ToolCalls: []protocol.ToolCallFragment{{Index: 0}},
		},
	}}}
	_, err := runExecutor(t, NewExecutor(time.Second), policy.NewNoOp(), []*protocol.Chunk{malformed})
	require.Error(t, err)
}

// fabricatingPolicy drops upstream chunks and sends its own text instead.
type fabricatingPolicy struct {
	policy.Base
	sent bool
}

func (*fabricatingPolicy) Name() string { return "fabricator" }

func (p *fabricatingPolicy) OnChunkReceived(context.Context, *policy.StreamContext) error {
	return nil
}

func (p *fabricatingPolicy) OnStreamComplete(ctx context.Context, sctx *policy.StreamContext) error {
	if p.sent {
		return nil
	}
	p.sent = true
	if err := sctx.SendText(ctx, "replaced"); err != nil {
		return err
	}
	return sctx.SendFinish(ctx, protocol.FinishReasonStop)
}

func TestExecutorPolicyCanReplaceStream(t *testing.T) {
	out, err := runExecutor(t, NewExecutor(time.Second), &fabricatingPolicy{}, []*protocol.Chunk{
		textChunk("original"),
		finishChunk(protocol.FinishReasonStop),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "replaced", out[0].Choices[0].Delta.Content)
	assert.Equal(t, "chatcmpl_tx_test", out[0].ID)
	assert.Equal(t, protocol.FinishReasonStop, out[1].Choices[0].FinishReason)
}
