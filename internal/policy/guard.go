package policy

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
)

// DefaultGuardRule blocks tool calls whose arguments carry a destructive SQL
// statement. It is the rule installed when no configuration is given.
const DefaultGuardRule = `Arguments contains "DROP TABLE"`

const guardBlockedKey = "tool_guard.blocked"

// GuardInput is the expression environment evaluated per completed tool call.
type GuardInput struct {
	// Name is the tool being invoked.
	Name string
	// Arguments is the repaired JSON argument document.
	Arguments string
}

// ToolCallGuard withholds tool-call chunks until the full call has been
// assembled, evaluates a rule expression against it, and either replays the
// buffered chunks or replaces the tool call with a refusal message.
type ToolCallGuard struct {
	Base

	rule    string
	program *vm.Program
}

// NewToolCallGuard compiles the rule expression. An empty rule selects
// DefaultGuardRule.
func NewToolCallGuard(rule string) (*ToolCallGuard, error) {
	if rule == "" {
		rule = DefaultGuardRule
	}
	program, err := expr.Compile(rule, expr.Env(GuardInput{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile guard rule %q: %w", rule, err)
	}
	return &ToolCallGuard{rule: rule, program: program}, nil
}

func (*ToolCallGuard) Name() string { return "tool_call_guard" }

// Rule returns the active rule expression.
func (g *ToolCallGuard) Rule() string { return g.rule }

// OnChunkReceived withholds chunks while a tool call is in flight so the
// decision in OnToolCallComplete covers the whole call. Once a call has been
// blocked, the remainder of the stream is swallowed.
func (g *ToolCallGuard) OnChunkReceived(ctx context.Context, sctx *StreamContext) error {
	if g.blocked(sctx) {
		return nil
	}
	chunk := sctx.State.LastChunk()
	if chunk != nil && len(chunk.Choices) > 0 && len(chunk.Choices[0].Delta.ToolCalls) > 0 {
		return nil
	}
	// Chunks behind the watermark are pending a decision; emitting the
	// latest one now would reorder the stream.
	if sctx.State.EmittedIndex < len(sctx.State.RawChunks)-1 {
		return nil
	}
	return sctx.PassthroughLastChunk(ctx)
}

// OnToolCallComplete evaluates the rule against the assembled call.
func (g *ToolCallGuard) OnToolCallComplete(ctx context.Context, sctx *StreamContext) error {
	tb, ok := sctx.State.JustCompleted.(*stream.ToolCallBlock)
	if !ok {
		return nil
	}

	match, err := g.evaluate(tb)
	if err != nil {
		sctx.RecordEvent(ctx, "policy.tool_guard.rule_error", map[string]any{
			"tool_name": tb.Name,
			"error":     err,
		})
		// An unevaluable rule fails closed.
		match = true
	}

	if !match {
		sctx.RecordEvent(ctx, "policy.tool_guard.allowed", map[string]any{
			"tool_name": tb.Name,
		})
		return sctx.PassthroughAccumulatedChunks(ctx)
	}

	sctx.Scratchpad[guardBlockedKey] = true
	sctx.RecordEvent(ctx, "policy.tool_guard.blocked", map[string]any{
		"tool_name": tb.Name,
		"arguments": tb.RepairedArguments(),
		"rule":      g.rule,
	})
	// Discard the withheld chunks and substitute a refusal.
	sctx.State.EmittedIndex = len(sctx.State.RawChunks)
	msg := fmt.Sprintf("BLOCKED: tool call %q was rejected by policy.", tb.Name)
	if err := sctx.SendText(ctx, msg); err != nil {
		return err
	}
	return sctx.SendFinish(ctx, protocol.FinishReasonStop)
}

// OnFinishReason swallows the upstream finish marker after a block; the
// substituted finish chunk has already closed the client stream.
func (g *ToolCallGuard) OnFinishReason(ctx context.Context, sctx *StreamContext) error {
	if g.blocked(sctx) {
		sctx.State.EmittedIndex = len(sctx.State.RawChunks)
		return nil
	}
	return sctx.PassthroughAccumulatedChunks(ctx)
}

// OnResponse strips blocked tool calls from non-streaming responses.
func (g *ToolCallGuard) OnResponse(ctx context.Context, pctx *Context, resp *protocol.Response) (*protocol.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return resp, nil
	}
	out := resp.Clone()
	for i := range out.Choices {
		choice := &out.Choices[i]
		kept := make([]protocol.ToolCall, 0, len(choice.Message.ToolCalls))
		blocked := false
		for _, tc := range choice.Message.ToolCalls {
			match, err := g.evaluate(&stream.ToolCallBlock{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
			if err != nil {
				match = true
			}
			if match {
				blocked = true
				pctx.RecordEvent(ctx, "policy.tool_guard.blocked", map[string]any{
					"tool_name": tc.Function.Name,
					"rule":      g.rule,
				})
				continue
			}
			kept = append(kept, tc)
		}
		if !blocked {
			continue
		}
		choice.Message.ToolCalls = kept
		if len(kept) == 0 {
			choice.Message.Content = protocol.Text("BLOCKED: a tool call was rejected by policy.")
			choice.FinishReason = protocol.FinishReasonStop
		}
	}
	return out, nil
}

func (g *ToolCallGuard) evaluate(tb *stream.ToolCallBlock) (bool, error) {
	out, err := expr.Run(g.program, GuardInput{
		Name:      tb.Name,
		Arguments: tb.RepairedArguments(),
	})
	if err != nil {
		return false, err
	}
	match, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard rule returned %T, want bool", out)
	}
	return match, nil
}

func (g *ToolCallGuard) blocked(sctx *StreamContext) bool {
	v, _ := sctx.Scratchpad[guardBlockedKey].(bool)
	return v
}
