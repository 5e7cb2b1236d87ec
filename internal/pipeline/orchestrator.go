package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
	"github.com/luthien-dev/luthien-proxy/internal/record"
	"github.com/luthien-dev/luthien-proxy/internal/upstream"
)

// DefaultQueueSize bounds the inter-stage channels of the streaming pipeline.
const DefaultQueueSize = 10000

// Orchestrator wires one transaction through the policy pipeline: request
// hook, upstream dispatch, per-chunk executor, client formatter.
type Orchestrator struct {
	Executor  *Executor
	QueueSize int
}

// NewOrchestrator creates an orchestrator. queueSize <= 0 selects
// DefaultQueueSize.
func NewOrchestrator(executor *Executor, queueSize int) *Orchestrator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Orchestrator{Executor: executor, QueueSize: queueSize}
}

// ProcessRequest runs the request hook and records the original/final pair.
// The returned request is what must go upstream.
func (o *Orchestrator) ProcessRequest(ctx context.Context, pol policy.Policy, pctx *policy.Context, rec *record.Recorder, req *protocol.Request) (*protocol.Request, error) {
	final, err := pol.OnRequest(ctx, pctx, req.Clone())
	if err != nil {
		return nil, err
	}
	if final == nil {
		final = req
	}
	pctx.Request = final
	if rec != nil {
		rec.RecordRequest(ctx, req, final)
	}
	return final, nil
}

// ProcessFullResponse runs the response hook for the non-streaming path and
// records the original/final pair.
func (o *Orchestrator) ProcessFullResponse(ctx context.Context, pol policy.Policy, pctx *policy.Context, rec *record.Recorder, resp *protocol.Response) (*protocol.Response, error) {
	final, err := pol.OnResponse(ctx, pctx, resp)
	if err != nil {
		return nil, err
	}
	if final == nil {
		final = resp
	}
	if rec != nil {
		rec.RecordResponse(ctx, resp, final)
	}
	return final, nil
}

// ProcessStreamingResponse pumps the upstream stream through the executor and
// formatter, handing each SSE frame to write. It returns once the stream is
// fully drained or any stage fails; the recorder is finalized either way.
func (o *Orchestrator) ProcessStreamingResponse(
	ctx context.Context,
	pol policy.Policy,
	pctx *policy.Context,
	rec *record.Recorder,
	src upstream.ChunkStream,
	formatter stream.Formatter,
	write func(frame string) error,
) error {
	defer src.Close()

	ingress := make(chan *protocol.Chunk, o.QueueSize)
	egress := make(chan *protocol.Chunk, o.QueueSize)
	frames := make(chan string, o.QueueSize)

	g, gctx := errgroup.WithContext(ctx)

	// Upstream pump: ingest, record, enqueue.
	g.Go(func() error {
		defer close(ingress)
		for src.Next() {
			chunk := src.Current()
			if rec != nil {
				rec.AddIngressChunk(gctx, chunk)
			}
			select {
			case ingress <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := src.Err(); err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		return nil
	})

	// Policy executor: owns closing egress.
	g.Go(func() error {
		return o.Executor.Process(gctx, ingress, egress, pol, pctx, rec)
	})

	// Client formatter.
	g.Go(func() error {
		defer close(frames)
		return formatter.Process(gctx, egress, frames)
	})

	// SSE writer.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case frame, ok := <-frames:
				if !ok {
					return nil
				}
				if err := write(frame); err != nil {
					return fmt.Errorf("write sse frame: %w", err)
				}
			}
		}
	})

	err := g.Wait()

	// The terminal frame ([DONE], message_stop) closes the client handshake
	// and must never follow a failure.
	if err == nil {
		if terminal := formatter.Terminal(); terminal != "" {
			if werr := write(terminal); werr != nil {
				err = fmt.Errorf("write sse frame: %w", werr)
			}
		}
	}

	if rec != nil {
		rec.FinalizeStreamingResponse(context.WithoutCancel(ctx))
	}
	if err != nil {
		kind := errorType(err)
		if rec != nil {
			rec.RecordError(context.WithoutCancel(ctx), "streaming", kind, err)
		}
		pctx.RecordEvent(context.WithoutCancel(ctx), "transaction.pipeline_error", map[string]any{
			"error": map[string]any{
				"type":    kind,
				"message": err.Error(),
			},
		})
	}
	return err
}
