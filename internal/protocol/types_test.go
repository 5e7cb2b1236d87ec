package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestPreservesUnknownFields(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"stream": true,
		"logit_bias": {"50256": -100},
		"seed": 42
	}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	require.Contains(t, req.Extra, "logit_bias")
	require.Contains(t, req.Extra, "seed")
	assert.NotContains(t, req.Extra, "model")

	out, err := json.Marshal(&req)
	require.NoError(t, err)
	assert.Equal(t, int64(42), int64(jsonNumber(t, out, "seed")))
	assert.Equal(t, -100.0, jsonNumber(t, out, "logit_bias.50256"))
}

func jsonNumber(t *testing.T, data []byte, path string) float64 {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	var cur any = doc
	for _, key := range splitPath(path) {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "path %s", path)
		cur, ok = m[key]
		require.True(t, ok, "path %s", path)
	}
	n, ok := cur.(float64)
	require.True(t, ok, "path %s not a number", path)
	return n
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

func TestMessageContentStringOrParts(t *testing.T) {
	var plain MessageContent
	require.NoError(t, json.Unmarshal([]byte(`"hello"`), &plain))
	assert.Equal(t, "hello", plain.PlainText())

	var parts MessageContent
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), &parts))
	assert.Equal(t, "ab", parts.PlainText())

	out, err := json.Marshal(Text("x"))
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(out))
}

func TestRequestCloneIsolation(t *testing.T) {
	req := &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: Text("hi")}},
		Extra:    map[string]json.RawMessage{"seed": json.RawMessage("1")},
	}
	cp := req.Clone()
	cp.Messages[0].Role = "system"
	cp.Extra["seed"] = json.RawMessage("2")
	cp.Model = "other"

	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, json.RawMessage("1"), req.Extra["seed"])
	assert.Equal(t, "gpt-4o", req.Model)
}

func TestChunkWireShape(t *testing.T) {
	chunk := Chunk{
		ID:      "chatcmpl_1",
		Object:  "chat.completion.chunk",
		Model:   "gpt-4o",
		Created: 1700000000,
		Choices: []Choice{{Delta: Delta{Content: "hi"}}},
	}
	out, err := json.Marshal(chunk)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "_complete_tool_call")

	chunk.CompleteToolCall = true
	out, err = json.Marshal(chunk)
	require.NoError(t, err)
	assert.Contains(t, string(out), "_complete_tool_call")
}
