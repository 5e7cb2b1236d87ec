package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// Anthropic stop reasons, taken from the official SDK so the wire values stay
// in sync with the Messages API.
const (
	AnthropicStopEndTurn   = string(anthropic.StopReasonEndTurn)
	AnthropicStopMaxTokens = string(anthropic.StopReasonMaxTokens)
	AnthropicStopToolUse   = string(anthropic.StopReasonToolUse)
)

// AnthropicRequest is the wire shape of a POST /v1/messages body.
type AnthropicRequest struct {
	Model       string                   `json:"model"`
	MaxTokens   int64                    `json:"max_tokens"`
	Messages    []AnthropicMessage       `json:"messages"`
	System      AnthropicSystem          `json:"system,omitempty"`
	Stream      bool                     `json:"stream,omitempty"`
	Temperature *float64                 `json:"temperature,omitempty"`
	TopP        *float64                 `json:"top_p,omitempty"`
	Tools       []AnthropicTool          `json:"tools,omitempty"`
	Metadata    map[string]any           `json:"metadata,omitempty"`
	ToolChoice  json.RawMessage          `json:"tool_choice,omitempty"`
}

// AnthropicSystem is either a plain string or a list of text blocks.
type AnthropicSystem struct {
	Text   string
	Blocks []AnthropicContentBlock
}

func (s AnthropicSystem) IsZero() bool { return s.Text == "" && s.Blocks == nil }

// PlainText flattens the system prompt to a single string.
func (s AnthropicSystem) PlainText() string {
	if s.Blocks == nil {
		return s.Text
	}
	out := ""
	for _, b := range s.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func (s AnthropicSystem) MarshalJSON() ([]byte, error) {
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

func (s *AnthropicSystem) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = str
		return nil
	}
	return json.Unmarshal(data, &s.Blocks)
}

// AnthropicMessage is one message in an Anthropic conversation.
type AnthropicMessage struct {
	Role    string                  `json:"role"`
	Content AnthropicMessageContent `json:"content"`
}

// AnthropicMessageContent is either a string or an array of content blocks.
type AnthropicMessageContent struct {
	Text   string
	Blocks []AnthropicContentBlock
}

func (c AnthropicMessageContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *AnthropicMessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		c.Text = str
		return nil
	}
	return json.Unmarshal(data, &c.Blocks)
}

// AnthropicContentBlock is one block of message content: text, image,
// tool_use, or tool_result.
type AnthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AnthropicImageSource carries base64 or URL image data.
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicTool describes a tool with its input_schema.
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicResponse is the wire shape of a non-streaming /v1/messages reply.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        AnthropicUsage          `json:"usage"`
}

// AnthropicUsage mirrors the Messages API usage object.
type AnthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// RequestFromAnthropic converts an Anthropic messages request into the common
// request format. Tool uses become assistant tool_calls; tool results become
// tool-role messages; the system prompt becomes a leading system message.
func RequestFromAnthropic(ar *AnthropicRequest) (*Request, error) {
	req := &Request{
		Model:       ar.Model,
		Stream:      ar.Stream,
		Temperature: ar.Temperature,
		TopP:        ar.TopP,
	}
	if ar.MaxTokens > 0 {
		mt := ar.MaxTokens
		req.MaxTokens = &mt
	}
	if !ar.System.IsZero() {
		req.Messages = append(req.Messages, Message{
			Role:    "system",
			Content: Text(ar.System.PlainText()),
		})
	}
	for _, m := range ar.Messages {
		msgs, err := messagesFromAnthropic(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}
	for _, t := range ar.Tools {
		req.Tools = append(req.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return req, nil
}

// messagesFromAnthropic expands one Anthropic message into one or more common
// messages. A single Anthropic message may mix text, tool_use and tool_result
// blocks which the common format keeps in separate messages.
func messagesFromAnthropic(m AnthropicMessage) ([]Message, error) {
	if m.Content.Blocks == nil {
		return []Message{{Role: m.Role, Content: Text(m.Content.Text)}}, nil
	}

	var out []Message
	var parts []ContentPart
	var toolCalls []ToolCall

	flush := func() {
		if parts == nil && toolCalls == nil {
			return
		}
		msg := Message{Role: m.Role, ToolCalls: toolCalls}
		if len(parts) == 1 && parts[0].Type == "text" {
			msg.Content = Text(parts[0].Text)
		} else if parts != nil {
			msg.Content = MessageContent{Parts: parts}
		}
		out = append(out, msg)
		parts = nil
		toolCalls = nil
	}

	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, ContentPart{Type: "text", Text: b.Text})
		case "image":
			if b.Source != nil {
				url := b.Source.URL
				if url == "" && b.Source.Data != "" {
					url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
				}
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
			}
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, fmt.Errorf("marshal tool_use input: %w", err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case "tool_result":
			flush()
			out = append(out, Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    Text(flattenToolResult(b.Content)),
			})
		default:
			// Unknown block types are dropped rather than failing the request.
		}
	}
	flush()

	if out == nil {
		out = []Message{{Role: m.Role, Content: Text("")}}
	}
	return out, nil
}

// flattenToolResult renders a tool_result content payload as plain text. The
// payload is either a string or an array of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

// ResponseToAnthropic converts a common non-streaming response into the
// Anthropic wire shape.
func ResponseToAnthropic(resp *Response) (*AnthropicResponse, error) {
	ar := &AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		StopReason: AnthropicStopEndTurn,
		Content:    []AnthropicContentBlock{},
	}
	if ar.ID == "" {
		ar.ID = fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	if resp.Usage != nil {
		ar.Usage = AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return ar, nil
	}

	choice := resp.Choices[0]
	ar.StopReason = MapFinishReasonToAnthropic(choice.FinishReason)

	if text := choice.Message.Content.PlainText(); text != "" {
		ar.Content = append(ar.Content, AnthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return nil, fmt.Errorf("tool call %s has non-object arguments: %w", tc.ID, err)
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		ar.Content = append(ar.Content, AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return ar, nil
}

// MapFinishReasonToAnthropic converts a common finish reason to an Anthropic
// stop reason.
func MapFinishReasonToAnthropic(fr FinishReason) string {
	switch fr {
	case FinishReasonToolCalls:
		return AnthropicStopToolUse
	case FinishReasonLength:
		return AnthropicStopMaxTokens
	default:
		return AnthropicStopEndTurn
	}
}
