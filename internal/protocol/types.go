package protocol

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// FinishReason is the terminal marker carried by the last chunk of a choice.
type FinishReason string

const (
	FinishReasonNone          FinishReason = ""
	FinishReasonStop          FinishReason = "stop"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
)

// Chunk is the common intermediate representation of a single streaming
// delta. The wire shape follows OpenAI chat-completion chunks so that the
// OpenAI client formatter can serialize it verbatim.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// CompleteToolCall marks a chunk fabricated by a policy that carries one
	// fully-formed tool call. The Anthropic formatter uses it to emit the
	// whole start/delta/stop block sequence at once.
	CompleteToolCall bool `json:"_complete_tool_call,omitempty"`
}

// Choice is one choice slot within a chunk. Index 0 in the common
// single-choice case.
type Choice struct {
	Index        int          `json:"index"`
	Delta        Delta        `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// Delta carries at most one kind of payload: a text content fragment, one or
// more tool-call fragments, or a role-only preamble.
type Delta struct {
	Role      string             `json:"role,omitempty"`
	Content   string             `json:"content,omitempty"`
	ToolCalls []ToolCallFragment `json:"tool_calls,omitempty"`
}

// Empty reports whether the delta carries no content at all.
func (d Delta) Empty() bool {
	return d.Content == "" && len(d.ToolCalls) == 0
}

// ToolCallFragment is a partial tool call. Index is the per-tool-call slot,
// stable across fragments; ID and the function name typically appear only on
// the opening fragment; Arguments is a prefix of a JSON document.
type ToolCallFragment struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function FunctionFragment `json:"function"`
}

// FunctionFragment is the function part of a tool-call fragment.
type FunctionFragment struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references image content by URL or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is either a plain string or an array of content parts,
// matching the OpenAI wire format for both.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsZero reports whether the content is entirely empty.
func (m MessageContent) IsZero() bool {
	return m.Text == "" && m.Parts == nil
}

// PlainText flattens the content to a single string.
func (m MessageContent) PlainText() string {
	if m.Parts == nil {
		return m.Text
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Text returns a MessageContent holding a plain string.
func Text(s string) MessageContent {
	return MessageContent{Text: s}
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		m.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	m.Parts = parts
	m.Text = ""
	return nil
}

// ToolCall is a complete tool call inside an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function part of a complete tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation message. Supports text and multimodal parts,
// tool uses (assistant side), and tool results (tool role).
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Tool describes one callable tool in a request.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function schema of a tool.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the common chat request. Unknown top-level fields are preserved
// in Extra so provider-specific parameters survive the proxy round trip.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   *int64    `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// requestAlias avoids recursing into the custom JSON methods.
type requestAlias Request

var requestKnownFields = map[string]bool{
	"model":       true,
	"messages":    true,
	"stream":      true,
	"max_tokens":  true,
	"temperature": true,
	"top_p":       true,
	"tools":       true,
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var alias requestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if requestKnownFields[k] {
			delete(raw, k)
		}
	}
	*r = Request(alias)
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(requestAlias(r))
	if err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		data, err = sjson.SetRawBytes(data, k, v)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Clone returns a deep-enough copy for hook mutation: slices and the extra
// map are copied, message contents are value types.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	cp.Tools = append([]Tool(nil), r.Tools...)
	if r.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// ResponseChoice is one completed choice of a non-streaming response.
type ResponseChoice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// Response is the common non-streaming chat response, OpenAI wire shaped.
type Response struct {
	ID      string           `json:"id"`
	Object  string           `json:"object,omitempty"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ResponseChoice `json:"choices"`
	Usage   *Usage           `json:"usage,omitempty"`
}

// Clone returns a copy safe for hook mutation.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Choices = append([]ResponseChoice(nil), r.Choices...)
	if r.Usage != nil {
		u := *r.Usage
		cp.Usage = &u
	}
	return &cp
}
