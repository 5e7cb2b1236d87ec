package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
	"github.com/luthien-dev/luthien-proxy/internal/record"
)

// DefaultPolicyTimeout is the inactivity window granted to policy hooks
// before the stream is aborted.
const DefaultPolicyTimeout = 30 * time.Second

// Executor drives one policy over one response stream: it assembles blocks
// from ingress chunks, dispatches hooks in order, and enforces the keep-alive
// deadline. The egress channel is closed exactly once, on every exit path, so
// downstream consumers always observe end-of-stream.
type Executor struct {
	Timeout time.Duration
}

// NewExecutor creates an executor with the given inactivity timeout.
// timeout <= 0 selects DefaultPolicyTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultPolicyTimeout
	}
	return &Executor{Timeout: timeout}
}

// Process consumes ingress until it closes, dispatching hooks on pol. Hook
// dispatch per chunk: OnChunkReceived, then the *Complete hook when a block
// finished on this chunk, then the *Delta hook for the chunk's payload, then
// OnFinishReason. After ingress is exhausted OnStreamComplete runs once.
//
// The deadline is reset before every hook and whenever the policy calls
// Keepalive; expiry cancels the run with ErrPolicyTimeout.
func (e *Executor) Process(ctx context.Context, ingress <-chan *protocol.Chunk, egress chan<- *protocol.Chunk, pol policy.Policy, pctx *policy.Context, rec *record.Recorder) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultPolicyTimeout
	}

	var closeOnce sync.Once
	defer closeOnce.Do(func() { close(egress) })

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var deadline atomic.Int64
	keepalive := func() { deadline.Store(time.Now().Add(timeout).UnixNano()) }
	keepalive()

	monitorDone := make(chan struct{})
	defer close(monitorDone)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-monitorDone:
				return
			case <-runCtx.Done():
				return
			case <-timer.C:
				remaining := time.Until(time.Unix(0, deadline.Load()))
				if remaining <= 0 {
					cancel(ErrPolicyTimeout)
					return
				}
				timer.Reset(remaining)
			}
		}
	}()

	state := &stream.State{}
	asm := stream.NewAssembler(state)

	var tap func(*protocol.Chunk)
	if rec != nil {
		tap = func(c *protocol.Chunk) { rec.AddEgressChunk(runCtx, c) }
	}
	sctx := policy.NewStreamContext(pctx, state, egress, keepalive, tap)

	err := asm.Process(runCtx, ingress, func(cctx context.Context, chunk *protocol.Chunk, st *stream.State) error {
		keepalive()
		if err := pol.OnChunkReceived(cctx, sctx); err != nil {
			return err
		}
		switch st.JustCompleted.(type) {
		case *stream.ContentBlock:
			if err := pol.OnContentComplete(cctx, sctx); err != nil {
				return err
			}
		case *stream.ToolCallBlock:
			if err := pol.OnToolCallComplete(cctx, sctx); err != nil {
				return err
			}
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if err := pol.OnContentDelta(cctx, sctx); err != nil {
				return err
			}
		}
		if len(choice.Delta.ToolCalls) > 0 {
			if err := pol.OnToolCallDelta(cctx, sctx); err != nil {
				return err
			}
		}
		if choice.FinishReason != protocol.FinishReasonNone {
			if err := pol.OnFinishReason(cctx, sctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.mapTimeout(runCtx, err)
	}

	keepalive()
	if err := pol.OnStreamComplete(runCtx, sctx); err != nil {
		return e.mapTimeout(runCtx, err)
	}
	// A hook that ignores its context can return nil after the deadline
	// already expired; the timeout still has to surface.
	return e.mapTimeout(runCtx, nil)
}

// mapTimeout surfaces the deadline cause instead of the generic cancellation
// error the hooks observed.
func (e *Executor) mapTimeout(runCtx context.Context, err error) error {
	if cause := context.Cause(runCtx); errors.Is(cause, ErrPolicyTimeout) {
		return ErrPolicyTimeout
	}
	return err
}
