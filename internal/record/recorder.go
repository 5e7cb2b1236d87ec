// Package record captures the durable audit trail of one proxy transaction:
// the request as received and as sent upstream, and the response both before
// and after policy transformation.
package record

import (
	"context"
	"sync"

	"github.com/luthien-dev/luthien-proxy/internal/events"
	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
)

// DefaultMaxChunks bounds the per-side chunk buffers. Streams longer than
// this are recorded truncated rather than growing without limit.
const DefaultMaxChunks = 10000

// Recorder accumulates the artifacts of one transaction and flushes them to
// the event emitter. Safe for concurrent use: the upstream pump and the
// policy goroutine append from different goroutines.
type Recorder struct {
	emitter       *events.Emitter
	transactionID string
	maxChunks     int

	mu               sync.Mutex
	ingress          []*protocol.Chunk
	egress           []*protocol.Chunk
	ingressTruncated bool
	egressTruncated  bool
}

// New creates a recorder for one transaction. maxChunks <= 0 selects
// DefaultMaxChunks.
func New(emitter *events.Emitter, transactionID string, maxChunks int) *Recorder {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Recorder{
		emitter:       emitter,
		transactionID: transactionID,
		maxChunks:     maxChunks,
	}
}

// RecordRequest persists the request pair: as the client sent it and as the
// policy released it upstream.
func (r *Recorder) RecordRequest(ctx context.Context, original, final *protocol.Request) {
	r.record(ctx, "transaction.request_recorded", map[string]any{
		"original_request": original,
		"final_request":    final,
	})
}

// AddIngressChunk buffers one upstream chunk for later reconstruction.
func (r *Recorder) AddIngressChunk(ctx context.Context, chunk *protocol.Chunk) {
	r.add(ctx, chunk, &r.ingress, &r.ingressTruncated, "ingress")
}

// AddEgressChunk buffers one policy-emitted chunk.
func (r *Recorder) AddEgressChunk(ctx context.Context, chunk *protocol.Chunk) {
	r.add(ctx, chunk, &r.egress, &r.egressTruncated, "egress")
}

func (r *Recorder) add(ctx context.Context, chunk *protocol.Chunk, buf *[]*protocol.Chunk, truncated *bool, side string) {
	r.mu.Lock()
	if len(*buf) >= r.maxChunks {
		first := !*truncated
		*truncated = true
		r.mu.Unlock()
		if first {
			r.record(ctx, "transaction.recorder."+side+"_truncated", map[string]any{
				"max_chunks": r.maxChunks,
			})
		}
		return
	}
	*buf = append(*buf, chunk)
	r.mu.Unlock()
}

// FinalizeStreamingResponse reconstructs full responses from both chunk
// buffers and persists them together with the buffer statistics.
func (r *Recorder) FinalizeStreamingResponse(ctx context.Context) {
	r.mu.Lock()
	ingress := r.ingress
	egress := r.egress
	ingressTruncated := r.ingressTruncated
	egressTruncated := r.egressTruncated
	r.mu.Unlock()

	r.record(ctx, "transaction.streaming_response_recorded", map[string]any{
		"original_response": stream.BuildResponse(ingress),
		"final_response":    stream.BuildResponse(egress),
		"ingress_chunks":    len(ingress),
		"egress_chunks":     len(egress),
		"ingress_truncated": ingressTruncated,
		"egress_truncated":  egressTruncated,
	})
}

// RecordResponse persists the non-streaming response pair.
func (r *Recorder) RecordResponse(ctx context.Context, original, final *protocol.Response) {
	r.record(ctx, "transaction.non_streaming_response_recorded", map[string]any{
		"original_response": original,
		"final_response":    final,
	})
}

// RecordError persists a terminal pipeline failure with its classified type.
func (r *Recorder) RecordError(ctx context.Context, stage, errType string, err error) {
	r.record(ctx, "transaction.error", map[string]any{
		"stage": stage,
		"error": map[string]any{
			"type":    errType,
			"message": err.Error(),
		},
	})
}

func (r *Recorder) record(ctx context.Context, recordType string, data any) {
	if r.emitter == nil {
		return
	}
	r.emitter.Record(ctx, r.transactionID, recordType, data)
}
