package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// OpenAIProvider speaks the OpenAI-compatible chat-completions protocol
// against any base URL (OpenAI itself, or a compatible serving stack).
type OpenAIProvider struct {
	BaseURL     string
	APIKey      string
	Client      *http.Client
	Invalidator CredentialInvalidator
}

// NewOpenAIProvider creates a provider for the given endpoint. baseURL must
// not include the /chat/completions suffix.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// Complete performs a non-streaming completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	outbound := req.Clone()
	outbound.Stream = false

	resp, err := p.post(ctx, outbound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.classify(ctx, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Message: "read response body", Err: err}
	}
	var out protocol.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Kind: ErrKindAPI, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return &out, nil
}

// Stream opens a streaming completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req *protocol.Request) (ChunkStream, error) {
	outbound := req.Clone()
	outbound.Stream = true

	resp, err := p.post(ctx, outbound)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.classify(ctx, resp)
	}

	return &openaiStream{
		stream: ssestream.NewStream[openai.ChatCompletionChunk](ssestream.NewDecoder(resp), nil),
	}, nil
}

func (p *OpenAIProvider) post(ctx context.Context, req *protocol.Request) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindInvalidRequest, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Message: "upstream unreachable", Err: err}
	}
	return resp, nil
}

// classify reads the error body and maps the status code onto an ErrorKind.
func (p *OpenAIProvider) classify(ctx context.Context, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	var kind ErrorKind
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrKindAuthentication
		if p.Invalidator != nil {
			p.Invalidator.InvalidateCredentials(ctx, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrKindRateLimit
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		kind = ErrKindInvalidRequest
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == 529:
		kind = ErrKindOverloaded
	default:
		kind = ErrKindAPI
	}

	logrus.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"kind":   kind,
	}).Warn("upstream request failed")

	return &Error{Kind: kind, StatusCode: resp.StatusCode, Message: message}
}

// openaiStream adapts the SSE decoder to ChunkStream, converting each decoded
// chunk into the intermediate representation.
type openaiStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current *protocol.Chunk
}

func (s *openaiStream) Next() bool {
	if !s.stream.Next() {
		s.current = nil
		return false
	}
	s.current = convertChunk(s.stream.Current())
	return true
}

func (s *openaiStream) Current() *protocol.Chunk { return s.current }

func (s *openaiStream) Err() error {
	err := s.stream.Err()
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrKindConnection, Message: "stream interrupted", Err: err}
}

func (s *openaiStream) Close() error { return s.stream.Close() }

// convertChunk maps an OpenAI wire chunk onto the IR chunk.
func convertChunk(c openai.ChatCompletionChunk) *protocol.Chunk {
	out := &protocol.Chunk{
		ID:      c.ID,
		Object:  string(c.Object),
		Model:   c.Model,
		Created: c.Created,
	}
	for _, choice := range c.Choices {
		conv := protocol.Choice{
			Index:        int(choice.Index),
			FinishReason: protocol.FinishReason(choice.FinishReason),
			Delta: protocol.Delta{
				Role:    string(choice.Delta.Role),
				Content: choice.Delta.Content,
			},
		}
		for _, tc := range choice.Delta.ToolCalls {
			conv.Delta.ToolCalls = append(conv.Delta.ToolCalls, protocol.ToolCallFragment{
				Index: int(tc.Index),
				ID:    tc.ID,
				Type:  string(tc.Type),
				Function: protocol.FunctionFragment{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, conv)
	}
	if c.Usage.TotalTokens != 0 || c.Usage.PromptTokens != 0 || c.Usage.CompletionTokens != 0 {
		out.Usage = &protocol.Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
		}
	}
	return out
}
