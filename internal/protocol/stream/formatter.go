package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// ErrClientStalled is returned when a write to the outbound SSE queue does
// not complete within the configured timeout, meaning the client stopped
// reading the response body.
var ErrClientStalled = errors.New("client stalled")

// DefaultWriteTimeout bounds each SSE queue put.
const DefaultWriteTimeout = 30 * time.Second

// Formatter converts IR chunks into on-the-wire SSE frames. Process consumes
// the egress channel until it is closed, writing frames to out. It does not
// close out; the pipeline owns channel lifecycles.
//
// The terminal frame is not part of Process: the egress channel closes on
// failed runs too, and the closing handshake must never reach the client
// after a failure. The pipeline calls Terminal only when every stage
// succeeded.
type Formatter interface {
	Process(ctx context.Context, in <-chan *protocol.Chunk, out chan<- string) error
	Terminal() string
}

// put writes one SSE frame with a bounded timeout.
func put(ctx context.Context, out chan<- string, frame string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrClientStalled
	}
}

// OpenAIFormatter serializes each IR chunk as one OpenAI SSE frame. The
// [DONE] marker is produced by Terminal.
type OpenAIFormatter struct {
	WriteTimeout time.Duration
}

// NewOpenAIFormatter creates an OpenAI SSE formatter.
func NewOpenAIFormatter() *OpenAIFormatter {
	return &OpenAIFormatter{WriteTimeout: DefaultWriteTimeout}
}

// Process converts chunks until the in channel closes.
func (f *OpenAIFormatter) Process(ctx context.Context, in <-chan *protocol.Chunk, out chan<- string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			// The complete-tool-call marker is framework-internal; clients
			// must see a plain OpenAI chunk.
			if chunk.CompleteToolCall {
				clean := *chunk
				clean.CompleteToolCall = false
				chunk = &clean
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("marshal chunk: %w", err)
			}
			if err := put(ctx, out, "data: "+string(data)+"\n\n", f.WriteTimeout); err != nil {
				return err
			}
		}
	}
}

// Terminal returns the [DONE] marker closing a successful stream.
func (f *OpenAIFormatter) Terminal() string {
	return "data: [DONE]\n\n"
}
