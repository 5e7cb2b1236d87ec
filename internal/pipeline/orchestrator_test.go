package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien-proxy/internal/events"
	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
	"github.com/luthien-dev/luthien-proxy/internal/record"
	"github.com/luthien-dev/luthien-proxy/internal/upstream"
)

type scriptedStream struct {
	chunks []*protocol.Chunk
	pos    int
	err    error
}

func (s *scriptedStream) Next() bool {
	if s.pos >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *scriptedStream) Current() *protocol.Chunk { return s.chunks[s.pos-1] }
func (s *scriptedStream) Err() error               { return s.err }
func (s *scriptedStream) Close() error             { return nil }

type captureSink struct {
	mu   sync.Mutex
	recs []*events.Record
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, rec *events.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) byType(recordType string) *events.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.RecordType == recordType {
			return rec
		}
	}
	return nil
}

// runPipeline pushes src through the full streaming pipeline with an OpenAI
// formatter and collects the frames handed to the SSE writer.
func runPipeline(t *testing.T, src upstream.ChunkStream, emitter *events.Emitter) ([]string, error) {
	t.Helper()

	o := NewOrchestrator(NewExecutor(time.Second), 64)
	pctx := policy.NewContext("tx_orch", emitter, nil)
	pctx.Request = &protocol.Request{Model: "gpt-4o"}
	rec := record.New(emitter, "tx_orch", 100)

	var frames []string
	write := func(frame string) error {
		frames = append(frames, frame)
		return nil
	}
	err := o.ProcessStreamingResponse(context.Background(), policy.NewNoOp(), pctx, rec,
		src, stream.NewOpenAIFormatter(), write)
	return frames, err
}

func TestOrchestratorWritesTerminalFrameOnSuccess(t *testing.T) {
	src := &scriptedStream{chunks: []*protocol.Chunk{
		textChunk("hello"),
		finishChunk(protocol.FinishReasonStop),
	}}
	frames, err := runPipeline(t, src, nil)
	require.NoError(t, err)
	require.NotEmpty(t, frames)
	assert.Equal(t, "data: [DONE]\n\n", frames[len(frames)-1])
}

func TestOrchestratorSuppressesTerminalFrameOnFailure(t *testing.T) {
	src := &scriptedStream{
		chunks: []*protocol.Chunk{textChunk("partial")},
		err:    errors.New("connection reset"),
	}
	frames, err := runPipeline(t, src, nil)
	require.Error(t, err)
	for _, frame := range frames {
		assert.NotContains(t, frame, "[DONE]")
	}
}

func TestOrchestratorEmitsStructuredErrorOnFailure(t *testing.T) {
	sink := &captureSink{}
	emitter := events.NewEmitter(sink)
	defer emitter.Close()

	src := &scriptedStream{err: errors.New("connection reset")}
	_, err := runPipeline(t, src, emitter)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return sink.byType("transaction.pipeline_error") != nil &&
			sink.byType("transaction.error") != nil
	}, 2*time.Second, 10*time.Millisecond)

	pipelineErr := sink.byType("transaction.pipeline_error")
	data := pipelineErr.Data.(map[string]any)
	detail := data["error"].(map[string]any)
	assert.Equal(t, "internal_error", detail["type"])
	assert.Contains(t, detail["message"], "connection reset")

	recorded := sink.byType("transaction.error")
	recData := recorded.Data.(map[string]any)
	assert.Equal(t, "streaming", recData["stage"])
	recDetail := recData["error"].(map[string]any)
	assert.Equal(t, "internal_error", recDetail["type"])
	assert.Contains(t, recDetail["message"], "connection reset")
}

func TestErrorTypeClassification(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"policy timeout":   {ErrPolicyTimeout, "policy_timeout"},
		"client stalled":   {fmt.Errorf("write sse frame: %w", stream.ErrClientStalled), "client_stalled"},
		"malformed chunk":  {fmt.Errorf("%w: nil chunk", stream.ErrMalformedChunk), "malformed_chunk"},
		"policy rejection": {policy.Reject("denied"), "policy_rejection"},
		"upstream kind":    {fmt.Errorf("upstream: %w", &upstream.Error{Kind: upstream.ErrKindRateLimit}), "rate_limit"},
		"anything else":    {errors.New("boom"), "internal_error"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorType(tc.err))
		})
	}
}
