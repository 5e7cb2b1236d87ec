package pipeline

import (
	"errors"

	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
	"github.com/luthien-dev/luthien-proxy/internal/upstream"
)

// ErrPolicyTimeout is returned when a policy goes silent for longer than the
// configured inactivity window without calling Keepalive.
var ErrPolicyTimeout = errors.New("policy inactivity timeout")

// errorType names the failure class carried by pipeline error events.
func errorType(err error) string {
	var reject *policy.RejectError
	var ue *upstream.Error
	switch {
	case errors.Is(err, ErrPolicyTimeout):
		return "policy_timeout"
	case errors.Is(err, stream.ErrClientStalled):
		return "client_stalled"
	case errors.Is(err, stream.ErrMalformedChunk):
		return "malformed_chunk"
	case errors.As(err, &reject):
		return "policy_rejection"
	case errors.As(err, &ue):
		return string(ue.Kind)
	default:
		return "internal_error"
	}
}
