// Package upstream talks to LLM providers over their OpenAI-compatible
// chat-completions surface and converts responses into the gateway's
// intermediate representation.
package upstream

import (
	"context"
	"fmt"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
)

// ErrorKind classifies upstream failures for client-facing error mapping.
type ErrorKind string

const (
	ErrKindAuthentication ErrorKind = "authentication"
	ErrKindRateLimit      ErrorKind = "rate_limit"
	ErrKindInvalidRequest ErrorKind = "invalid_request"
	ErrKindOverloaded     ErrorKind = "overloaded"
	ErrKindAPI            ErrorKind = "api_error"
	ErrKindConnection     ErrorKind = "connection"
)

// Error is a classified upstream failure. StatusCode is zero for transport
// errors that never produced an HTTP response.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ChunkStream is a pull iterator over a streaming response. The usual loop is
// for s.Next() { use s.Current() } followed by an Err check.
type ChunkStream interface {
	// Next advances to the next chunk, returning false at end of stream or
	// on error.
	Next() bool
	// Current returns the chunk Next advanced to.
	Current() *protocol.Chunk
	// Err returns the terminal error, if any, after Next returned false.
	Err() error
	// Close releases the underlying connection.
	Close() error
}

// Provider issues chat completions upstream.
type Provider interface {
	// Complete performs a non-streaming completion.
	Complete(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	// Stream opens a streaming completion.
	Stream(ctx context.Context, req *protocol.Request) (ChunkStream, error)
}

// CredentialInvalidator is notified when upstream rejects the configured
// credentials, so cached keys can be dropped before the next attempt.
type CredentialInvalidator interface {
	InvalidateCredentials(ctx context.Context, reason string)
}
