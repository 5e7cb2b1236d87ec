package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// ErrMalformedChunk is returned when a chunk violates the delta invariants
// and block reconstruction cannot continue.
var ErrMalformedChunk = errors.New("malformed chunk")

// Block is a reconstructed semantic unit spanning one or more deltas.
type Block interface {
	// Done reports whether the block has been marked complete.
	Done() bool

	isBlock()
}

// ContentBlock accumulates text content deltas.
type ContentBlock struct {
	ID       string
	Text     string
	Complete bool
}

func (b *ContentBlock) Done() bool { return b.Complete }
func (b *ContentBlock) isBlock()   {}

// ToolCallBlock accumulates one tool call from its fragments. Arguments is
// the concatenation of argument fragments in arrival order.
type ToolCallBlock struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Complete  bool
}

func (b *ToolCallBlock) Done() bool { return b.Complete }
func (b *ToolCallBlock) isBlock()   {}

// RepairedArguments returns the accumulated arguments passed through a JSON
// repairer, so policies can inspect arguments even when the upstream stream
// was cut mid-document. Returns the raw string when repair fails.
func (b *ToolCallBlock) RepairedArguments() string {
	if b.Arguments == "" {
		return "{}"
	}
	repaired, err := jsonrepair.JSONRepair(b.Arguments)
	if err != nil {
		return b.Arguments
	}
	return repaired
}

// State is the assembler's view of one in-flight response stream. It is owned
// by the policy executor for the life of the response.
type State struct {
	// Blocks holds completed blocks in completion order.
	Blocks []Block
	// Current is the block being accumulated, if any.
	Current Block
	// JustCompleted is set for exactly one callback invocation after a block
	// completes, then cleared before the next chunk.
	JustCompleted Block
	// RawChunks buffers every ingress chunk for pass-through replay.
	RawChunks []*protocol.Chunk
	// EmittedIndex is the watermark into RawChunks up to which chunks have
	// already been replayed to egress.
	EmittedIndex int
	// FinishReason is the terminal marker once seen.
	FinishReason protocol.FinishReason
}

// LastChunk returns the most recently ingested raw chunk.
func (s *State) LastChunk() *protocol.Chunk {
	if len(s.RawChunks) == 0 {
		return nil
	}
	return s.RawChunks[len(s.RawChunks)-1]
}

// Assembler incrementally reconstructs semantic blocks from a chunk stream.
// It operates on choice index 0, the single-choice case every supported
// upstream emits.
type Assembler struct {
	state         *State
	nextContentID int
}

// NewAssembler creates an assembler bound to the given state.
func NewAssembler(state *State) *Assembler {
	return &Assembler{state: state}
}

// State returns the stream state the assembler mutates.
func (a *Assembler) State() *State { return a.state }

// Feed applies one chunk to the block state. It performs no I/O. After Feed
// returns, State.JustCompleted is set iff a block completed on this chunk.
func (a *Assembler) Feed(chunk *protocol.Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: nil chunk", ErrMalformedChunk)
	}

	// Completion visibility lasts exactly one chunk.
	a.state.JustCompleted = nil

	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != "" && len(delta.ToolCalls) > 0 {
		return fmt.Errorf("%w: delta carries both content and tool calls", ErrMalformedChunk)
	}

	if delta.Content != "" {
		a.feedContent(delta.Content)
	}
	for _, frag := range delta.ToolCalls {
		if frag.Index < 0 {
			return fmt.Errorf("%w: negative tool call index %d", ErrMalformedChunk, frag.Index)
		}
		a.feedToolCall(frag)
	}

	if choice.FinishReason != protocol.FinishReasonNone {
		a.completeCurrent()
		a.state.FinishReason = choice.FinishReason
	}
	return nil
}

// feedContent routes a text fragment into the current or a fresh content block.
func (a *Assembler) feedContent(text string) {
	if cb, ok := a.state.Current.(*ContentBlock); ok {
		cb.Text += text
		return
	}
	// A tool-call block gives way to content.
	a.completeCurrent()
	a.state.Current = &ContentBlock{
		ID:   fmt.Sprintf("content_%d", a.nextContent()),
		Text: text,
	}
}

// feedToolCall routes a tool-call fragment into the matching block, opening a
// new one on index change or when the current block is content.
func (a *Assembler) feedToolCall(frag protocol.ToolCallFragment) {
	tb, ok := a.state.Current.(*ToolCallBlock)
	if !ok || tb.Index != frag.Index {
		a.completeCurrent()
		tb = &ToolCallBlock{Index: frag.Index}
		a.state.Current = tb
	}
	// ID and name are sticky: only the first non-empty value wins.
	if tb.ID == "" && frag.ID != "" {
		tb.ID = frag.ID
	}
	if tb.Name == "" && frag.Function.Name != "" {
		tb.Name = frag.Function.Name
	}
	tb.Arguments += frag.Function.Arguments
}

// completeCurrent marks the current block complete and records it.
func (a *Assembler) completeCurrent() {
	cur := a.state.Current
	if cur == nil {
		return
	}
	switch b := cur.(type) {
	case *ContentBlock:
		b.Complete = true
	case *ToolCallBlock:
		b.Complete = true
	}
	a.state.Blocks = append(a.state.Blocks, cur)
	a.state.JustCompleted = cur
	a.state.Current = nil
}

func (a *Assembler) nextContent() int {
	id := a.nextContentID
	a.nextContentID++
	return id
}

// Callback is invoked after every chunk with the chunk and the updated state.
// It may suspend on hook dispatch or queue writes.
type Callback func(ctx context.Context, chunk *protocol.Chunk, state *State) error

// Process consumes the ingress channel until it is closed or the context is
// cancelled. The raw chunk is registered in the state before Feed so replay
// helpers observe it; all callbacks for a chunk finish before the next chunk
// is read.
func (a *Assembler) Process(ctx context.Context, ingress <-chan *protocol.Chunk, cb Callback) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-ingress:
			if !ok {
				return nil
			}
			a.state.RawChunks = append(a.state.RawChunks, chunk)
			if err := a.Feed(chunk); err != nil {
				return err
			}
			if err := cb(ctx, chunk, a.state); err != nil {
				return err
			}
		}
	}
}
