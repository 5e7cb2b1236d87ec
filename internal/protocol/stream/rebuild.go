package stream

import (
	"sort"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// BuildResponse reconstructs a synthetic full response from a buffered chunk
// sequence: text deltas concatenated in order, tool-call fragments merged by
// index, finish reason carried through. Used by the transaction recorder to
// emit pre/post reconstructions of a streamed response.
func BuildResponse(chunks []*protocol.Chunk) *protocol.Response {
	resp := &protocol.Response{Object: "chat.completion"}
	if len(chunks) == 0 {
		return resp
	}

	text := ""
	tools := make(map[int]*protocol.ToolCall)
	var toolOrder []int
	finish := protocol.FinishReasonNone

	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		if resp.ID == "" {
			resp.ID = chunk.ID
		}
		if resp.Model == "" {
			resp.Model = chunk.Model
		}
		if resp.Created == 0 {
			resp.Created = chunk.Created
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			resp.Usage = &u
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		text += choice.Delta.Content
		for _, frag := range choice.Delta.ToolCalls {
			tc, ok := tools[frag.Index]
			if !ok {
				tc = &protocol.ToolCall{Type: "function"}
				tools[frag.Index] = tc
				toolOrder = append(toolOrder, frag.Index)
			}
			if tc.ID == "" {
				tc.ID = frag.ID
			}
			if tc.Function.Name == "" {
				tc.Function.Name = frag.Function.Name
			}
			tc.Function.Arguments += frag.Function.Arguments
		}
		if choice.FinishReason != protocol.FinishReasonNone {
			finish = choice.FinishReason
		}
	}

	msg := protocol.Message{Role: "assistant", Content: protocol.Text(text)}
	sort.Ints(toolOrder)
	for _, idx := range toolOrder {
		msg.ToolCalls = append(msg.ToolCalls, *tools[idx])
	}
	resp.Choices = []protocol.ResponseChoice{{
		Index:        0,
		Message:      msg,
		FinishReason: finish,
	}}
	return resp
}
