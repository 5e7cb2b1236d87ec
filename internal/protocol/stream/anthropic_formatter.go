package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tiktoken-go/tokenizer"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

const (
	eventTypeMessageStart      = "message_start"
	eventTypeContentBlockStart = "content_block_start"
	eventTypeContentBlockDelta = "content_block_delta"
	eventTypeContentBlockStop  = "content_block_stop"
	eventTypeMessageDelta      = "message_delta"
	eventTypeMessageStop       = "message_stop"

	blockTypeText    = "text"
	blockTypeToolUse = "tool_use"

	deltaTypeTextDelta      = "text_delta"
	deltaTypeInputJSONDelta = "input_json_delta"
)

// AnthropicFormatter converts IR chunks into Anthropic Messages SSE events.
// OpenAI-style chunks carry no explicit block open/close signals, so the
// formatter synthesizes content_block_start/stop around deltas and maps the
// finish reason onto message_delta/message_stop.
type AnthropicFormatter struct {
	MessageID    string
	Model        string
	WriteTimeout time.Duration

	nextBlockIndex   int
	openBlockIndex   int // -1 when no block is open
	openBlockIsTool  bool
	currentToolIndex int // fragment index of the open tool_use block

	encoder      tokenizer.Codec
	textEmitted  string
	usage        *protocol.Usage
}

// NewAnthropicFormatter creates a formatter for one response stream. The
// message id is derived from the transaction so replays correlate with
// recorded events.
func NewAnthropicFormatter(transactionID, model string) *AnthropicFormatter {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		enc = nil
	}
	return &AnthropicFormatter{
		MessageID:        "msg_" + transactionID,
		Model:            model,
		WriteTimeout:     DefaultWriteTimeout,
		openBlockIndex:   -1,
		currentToolIndex: -1,
		encoder:          enc,
	}
}

// Process converts chunks until the in channel closes. The closing
// content_block_stop/message_stop handshake is produced by Terminal so it
// never reaches the client on a failed run.
func (f *AnthropicFormatter) Process(ctx context.Context, in <-chan *protocol.Chunk, out chan<- string) error {
	if err := f.sendMessageStart(ctx, out); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			if err := f.handleChunk(ctx, out, chunk); err != nil {
				return err
			}
		}
	}
}

// Terminal closes any block still open and emits message_stop.
func (f *AnthropicFormatter) Terminal() string {
	var frames string
	if f.openBlockIndex != -1 {
		frames += encodeFrame(eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": f.openBlockIndex,
		})
		f.openBlockIndex = -1
		f.openBlockIsTool = false
		f.currentToolIndex = -1
	}
	return frames + encodeFrame(eventTypeMessageStop, map[string]any{
		"type": eventTypeMessageStop,
	})
}

func (f *AnthropicFormatter) handleChunk(ctx context.Context, out chan<- string, chunk *protocol.Chunk) error {
	if chunk.Usage != nil {
		f.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	if chunk.CompleteToolCall {
		return f.handleCompleteToolCall(ctx, out, chunk)
	}

	if choice.Delta.Content != "" {
		if err := f.ensureTextBlock(ctx, out); err != nil {
			return err
		}
		f.textEmitted += choice.Delta.Content
		if err := f.send(ctx, out, eventTypeContentBlockDelta, map[string]any{
			"type":  eventTypeContentBlockDelta,
			"index": f.openBlockIndex,
			"delta": map[string]any{
				"type": deltaTypeTextDelta,
				"text": choice.Delta.Content,
			},
		}); err != nil {
			return err
		}
	}

	for _, frag := range choice.Delta.ToolCalls {
		if err := f.handleToolFragment(ctx, out, frag); err != nil {
			return err
		}
	}

	if choice.FinishReason != protocol.FinishReasonNone {
		if err := f.closeOpenBlock(ctx, out); err != nil {
			return err
		}
		return f.sendMessageDelta(ctx, out, choice.FinishReason)
	}
	return nil
}

// handleCompleteToolCall emits a full start/delta/stop block sequence for a
// policy-fabricated tool call, then the terminal message_delta.
func (f *AnthropicFormatter) handleCompleteToolCall(ctx context.Context, out chan<- string, chunk *protocol.Chunk) error {
	if err := f.closeOpenBlock(ctx, out); err != nil {
		return err
	}
	choice := chunk.Choices[0]
	for _, frag := range choice.Delta.ToolCalls {
		index := f.nextBlockIndex
		f.nextBlockIndex++
		if err := f.send(ctx, out, eventTypeContentBlockStart, map[string]any{
			"type":  eventTypeContentBlockStart,
			"index": index,
			"content_block": map[string]any{
				"type": blockTypeToolUse,
				"id":   frag.ID,
				"name": frag.Function.Name,
			},
		}); err != nil {
			return err
		}
		if err := f.send(ctx, out, eventTypeContentBlockDelta, map[string]any{
			"type":  eventTypeContentBlockDelta,
			"index": index,
			"delta": map[string]any{
				"type":         deltaTypeInputJSONDelta,
				"partial_json": frag.Function.Arguments,
			},
		}); err != nil {
			return err
		}
		if err := f.send(ctx, out, eventTypeContentBlockStop, map[string]any{
			"type":  eventTypeContentBlockStop,
			"index": index,
		}); err != nil {
			return err
		}
	}
	if choice.FinishReason != protocol.FinishReasonNone {
		return f.sendMessageDelta(ctx, out, choice.FinishReason)
	}
	return nil
}

// handleToolFragment opens or continues a tool_use block for the fragment.
func (f *AnthropicFormatter) handleToolFragment(ctx context.Context, out chan<- string, frag protocol.ToolCallFragment) error {
	if f.openBlockIndex == -1 || !f.openBlockIsTool || f.currentToolIndex != frag.Index {
		if err := f.closeOpenBlock(ctx, out); err != nil {
			return err
		}
		f.openBlockIndex = f.nextBlockIndex
		f.nextBlockIndex++
		f.openBlockIsTool = true
		f.currentToolIndex = frag.Index
		if err := f.send(ctx, out, eventTypeContentBlockStart, map[string]any{
			"type":  eventTypeContentBlockStart,
			"index": f.openBlockIndex,
			"content_block": map[string]any{
				"type": blockTypeToolUse,
				"id":   frag.ID,
				"name": frag.Function.Name,
			},
		}); err != nil {
			return err
		}
	}
	if frag.Function.Arguments == "" {
		return nil
	}
	return f.send(ctx, out, eventTypeContentBlockDelta, map[string]any{
		"type":  eventTypeContentBlockDelta,
		"index": f.openBlockIndex,
		"delta": map[string]any{
			"type":         deltaTypeInputJSONDelta,
			"partial_json": frag.Function.Arguments,
		},
	})
}

// ensureTextBlock auto-opens a text block when a text delta arrives with no
// block open, closing a tool block first if needed.
func (f *AnthropicFormatter) ensureTextBlock(ctx context.Context, out chan<- string) error {
	if f.openBlockIndex != -1 && !f.openBlockIsTool {
		return nil
	}
	if err := f.closeOpenBlock(ctx, out); err != nil {
		return err
	}
	f.openBlockIndex = f.nextBlockIndex
	f.nextBlockIndex++
	f.openBlockIsTool = false
	return f.send(ctx, out, eventTypeContentBlockStart, map[string]any{
		"type":  eventTypeContentBlockStart,
		"index": f.openBlockIndex,
		"content_block": map[string]any{
			"type": blockTypeText,
			"text": "",
		},
	})
}

func (f *AnthropicFormatter) closeOpenBlock(ctx context.Context, out chan<- string) error {
	if f.openBlockIndex == -1 {
		return nil
	}
	index := f.openBlockIndex
	f.openBlockIndex = -1
	f.openBlockIsTool = false
	f.currentToolIndex = -1
	return f.send(ctx, out, eventTypeContentBlockStop, map[string]any{
		"type":  eventTypeContentBlockStop,
		"index": index,
	})
}

func (f *AnthropicFormatter) sendMessageStart(ctx context.Context, out chan<- string) error {
	return f.send(ctx, out, eventTypeMessageStart, map[string]any{
		"type": eventTypeMessageStart,
		"message": map[string]any{
			"id":            f.MessageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         f.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
}

func (f *AnthropicFormatter) sendMessageDelta(ctx context.Context, out chan<- string, fr protocol.FinishReason) error {
	return f.send(ctx, out, eventTypeMessageDelta, map[string]any{
		"type": eventTypeMessageDelta,
		"delta": map[string]any{
			"stop_reason":   protocol.MapFinishReasonToAnthropic(fr),
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"output_tokens": f.outputTokens(),
		},
	})
}

// outputTokens prefers upstream-reported usage and falls back to a tokenizer
// estimate of the text emitted so far.
func (f *AnthropicFormatter) outputTokens() int {
	if f.usage != nil && f.usage.CompletionTokens > 0 {
		return int(f.usage.CompletionTokens)
	}
	if f.textEmitted == "" {
		return 0
	}
	if f.encoder != nil {
		if n, err := f.encoder.Count(f.textEmitted); err == nil {
			return n
		}
	}
	return len(f.textEmitted) / 4
}

func (f *AnthropicFormatter) send(ctx context.Context, out chan<- string, eventType string, event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	frame := "event: " + eventType + "\ndata: " + string(data) + "\n\n"
	return put(ctx, out, frame, f.WriteTimeout)
}

// encodeFrame renders one SSE frame. The payload maps here hold only scalar
// values, so marshalling cannot fail.
func encodeFrame(eventType string, event map[string]any) string {
	data, _ := json.Marshal(event)
	return "event: " + eventType + "\ndata: " + string(data) + "\n\n"
}
