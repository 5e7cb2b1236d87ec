package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// parseEvents splits SSE frames into (event type, decoded payload) pairs.
func parseEvents(t *testing.T, frames []string) ([]string, []map[string]any) {
	t.Helper()
	var types []string
	var payloads []map[string]any
	for _, frame := range frames {
		lines := strings.Split(strings.TrimSuffix(frame, "\n\n"), "\n")
		require.Len(t, lines, 2, "frame %q", frame)
		types = append(types, strings.TrimPrefix(lines[0], "event: "))
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &payload))
		payloads = append(payloads, payload)
	}
	return types, payloads
}

func TestAnthropicFormatterTextStream(t *testing.T) {
	f := NewAnthropicFormatter("tx1", "claude-sonnet-4")
	frames := runFormatter(t, f, []*protocol.Chunk{
		textChunk("Hello"),
		textChunk(" there"),
		finishChunk(protocol.FinishReasonStop),
	})

	types, payloads := parseEvents(t, frames)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	msg := payloads[0]["message"].(map[string]any)
	assert.Equal(t, "msg_tx1", msg["id"])
	assert.Equal(t, "claude-sonnet-4", msg["model"])

	start := payloads[1]["content_block"].(map[string]any)
	assert.Equal(t, "text", start["type"])

	delta := payloads[2]["delta"].(map[string]any)
	assert.Equal(t, "text_delta", delta["type"])
	assert.Equal(t, "Hello", delta["text"])

	md := payloads[5]["delta"].(map[string]any)
	assert.Equal(t, "end_turn", md["stop_reason"])
	usage := payloads[5]["usage"].(map[string]any)
	assert.Greater(t, usage["output_tokens"].(float64), 0.0)
}

func TestAnthropicFormatterToolUseStream(t *testing.T) {
	f := NewAnthropicFormatter("tx2", "claude-sonnet-4")
	frames := runFormatter(t, f, []*protocol.Chunk{
		toolChunk(0, "call_1", "get_weather", ""),
		toolChunk(0, "", "", `{"city":"Tokyo"}`),
		finishChunk(protocol.FinishReasonToolCalls),
	})

	types, payloads := parseEvents(t, frames)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	start := payloads[1]["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", start["type"])
	assert.Equal(t, "call_1", start["id"])
	assert.Equal(t, "get_weather", start["name"])

	delta := payloads[2]["delta"].(map[string]any)
	assert.Equal(t, "input_json_delta", delta["type"])
	assert.Equal(t, `{"city":"Tokyo"}`, delta["partial_json"])

	md := payloads[4]["delta"].(map[string]any)
	assert.Equal(t, "tool_use", md["stop_reason"])
}

func TestAnthropicFormatterTextThenToolOpensSecondBlock(t *testing.T) {
	f := NewAnthropicFormatter("tx3", "claude-sonnet-4")
	frames := runFormatter(t, f, []*protocol.Chunk{
		textChunk("Checking."),
		toolChunk(0, "call_1", "get_weather", `{}`),
		finishChunk(protocol.FinishReasonToolCalls),
	})

	types, payloads := parseEvents(t, frames)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text, index 0
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // tool_use, index 1
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	assert.Equal(t, 0.0, payloads[1]["index"].(float64))
	assert.Equal(t, 1.0, payloads[4]["index"].(float64))
}

func TestAnthropicFormatterCompleteToolCallChunk(t *testing.T) {
	chunk := &protocol.Chunk{
		ID:               "chatcmpl_tx4",
		Model:            "gpt-4o",
		CompleteToolCall: true,
		Choices: []protocol.Choice{{
			Delta: protocol.Delta{ToolCalls: []protocol.ToolCallFragment{{
				Index: 0,
				ID:    "call_9",
				Type:  "function",
				Function: protocol.FunctionFragment{
					Name:      "drop_everything",
					Arguments: `{"target":"prod"}`,
				},
			}}},
			FinishReason: protocol.FinishReasonToolCalls,
		}},
	}

	f := NewAnthropicFormatter("tx4", "claude-sonnet-4")
	frames := runFormatter(t, f, []*protocol.Chunk{chunk})

	types, payloads := parseEvents(t, frames)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	start := payloads[1]["content_block"].(map[string]any)
	assert.Equal(t, "call_9", start["id"])
	delta := payloads[2]["delta"].(map[string]any)
	assert.Equal(t, `{"target":"prod"}`, delta["partial_json"])
}

func TestAnthropicFormatterPrefersUpstreamUsage(t *testing.T) {
	withUsage := textChunk("hi")
	withUsage.Usage = &protocol.Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17}

	f := NewAnthropicFormatter("tx5", "claude-sonnet-4")
	frames := runFormatter(t, f, []*protocol.Chunk{
		withUsage,
		finishChunk(protocol.FinishReasonStop),
	})

	_, payloads := parseEvents(t, frames)
	for _, p := range payloads {
		if p["type"] != "message_delta" {
			continue
		}
		usage := p["usage"].(map[string]any)
		assert.Equal(t, 7.0, usage["output_tokens"])
		return
	}
	t.Fatal("no message_delta event")
}
