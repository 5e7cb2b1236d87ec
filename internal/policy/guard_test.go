package policy_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthien-dev/luthien-proxy/internal/pipeline"
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

func runGuard(t *testing.T, pol policy.Policy, chunks []*protocol.Chunk) []*protocol.Chunk {
	t.Helper()

	ingress := make(chan *protocol.Chunk, len(chunks))
	for _, c := range chunks {
		ingress <- c
	}
	close(ingress)

	egress := make(chan *protocol.Chunk, len(chunks)+16)
	pctx := policy.NewContext("tx_guard", nil, nil)
	exec := pipeline.NewExecutor(5 * time.Second)

	done := make(chan error, 1)
	go func() { done <- exec.Process(context.Background(), ingress, egress, pol, pctx, nil) }()

	var out []*protocol.Chunk
	for chunk := range egress {
		out = append(out, chunk)
	}
	require.NoError(t, <-done)
	return out
}

func TestToolCallGuardBlocksMatchingCall(t *testing.T) {
	guard, err := policy.NewToolCallGuard("")
	require.NoError(t, err)

	out := runGuard(t, guard, []*protocol.Chunk{
		textChunk("Cleaning up now."),
		toolChunk(0, "call_1", "run_sql", `{"sql":"DROP TABLE`),
		toolChunk(0, "", "", ` users"}`),
		finishChunk(protocol.FinishReasonToolCalls),
	})

	// Text passes through; the tool call is replaced by a refusal plus a
	// clean stop. None of the withheld tool chunks leak out.
	require.Len(t, out, 3)
	assert.Equal(t, "Cleaning up now.", out[0].Choices[0].Delta.Content)
	assert.True(t, strings.HasPrefix(out[1].Choices[0].Delta.Content, "BLOCKED:"))
	assert.Contains(t, out[1].Choices[0].Delta.Content, "run_sql")
	assert.Equal(t, protocol.FinishReasonStop, out[2].Choices[0].FinishReason)
	for _, chunk := range out {
		assert.Empty(t, chunk.Choices[0].Delta.ToolCalls)
	}
}

func TestToolCallGuardReplaysHarmlessCall(t *testing.T) {
	guard, err := policy.NewToolCallGuard("")
	require.NoError(t, err)

	chunks := []*protocol.Chunk{
		textChunk("Checking the weather."),
		toolChunk(0, "call_1", "get_weather", `{"city":`),
		toolChunk(0, "", "", `"Tokyo"}`),
		finishChunk(protocol.FinishReasonToolCalls),
	}
	out := runGuard(t, guard, chunks)

	// Everything is replayed, in order, once the call proves harmless.
	require.Len(t, out, len(chunks))
	for i := range chunks {
		assert.Same(t, chunks[i], out[i])
	}
}

func TestToolCallGuardCustomRule(t *testing.T) {
	guard, err := policy.NewToolCallGuard(`Name == "delete_user"`)
	require.NoError(t, err)

	out := runGuard(t, guard, []*protocol.Chunk{
		toolChunk(0, "call_1", "delete_user", `{"id":1}`),
		finishChunk(protocol.FinishReasonToolCalls),
	})
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Choices[0].Delta.Content, "BLOCKED")
}

func TestToolCallGuardRejectsInvalidRule(t *testing.T) {
	_, err := policy.NewToolCallGuard(`Name ==`)
	assert.Error(t, err)
}

func TestToolCallGuardBlocksTruncatedArguments(t *testing.T) {
	guard, err := policy.NewToolCallGuard("")
	require.NoError(t, err)

	// The stream is cut mid-JSON; argument repair lets the rule still match.
	out := runGuard(t, guard, []*protocol.Chunk{
		toolChunk(0, "call_1", "run_sql", `{"sql":"DROP TABLE users`),
		finishChunk(protocol.FinishReasonToolCalls),
	})
	require.NotEmpty(t, out)
	assert.Contains(t, out[0].Choices[0].Delta.Content, "BLOCKED")
}

func TestToolCallGuardStripsBlockedCallsFromResponse(t *testing.T) {
	guard, err := policy.NewToolCallGuard("")
	require.NoError(t, err)

	resp := &protocol.Response{
		ID:    "chatcmpl_1",
		Model: "gpt-4o",
		Choices: []protocol.ResponseChoice{{
			Message: protocol.Message{
				Role: "assistant",
				ToolCalls: []protocol.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: protocol.FunctionCall{
						Name:      "run_sql",
						Arguments: `{"sql":"DROP TABLE users"}`,
					},
				}},
			},
			FinishReason: protocol.FinishReasonToolCalls,
		}},
	}

	pctx := policy.NewContext("tx_resp", nil, nil)
	out, err := guard.OnResponse(context.Background(), pctx, resp)
	require.NoError(t, err)
	assert.Empty(t, out.Choices[0].Message.ToolCalls)
	assert.Contains(t, out.Choices[0].Message.Content.PlainText(), "BLOCKED")
	assert.Equal(t, protocol.FinishReasonStop, out.Choices[0].FinishReason)

	// The original response is untouched.
	assert.Len(t, resp.Choices[0].Message.ToolCalls, 1)
}
