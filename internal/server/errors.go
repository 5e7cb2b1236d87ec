package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/luthien-dev/luthien-proxy/internal/pipeline"
	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/upstream"
)

// ErrorDetail is the OpenAI wire error payload.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// ErrorResponse wraps an OpenAI wire error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// anthropicError is the Anthropic wire error payload.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyError maps a pipeline failure onto an HTTP status and the error
// type names both wire dialects share the shape of.
func classifyError(err error) (status int, errType, message string) {
	var reject *policy.RejectError
	if errors.As(err, &reject) {
		return http.StatusForbidden, "invalid_request_error", reject.Message
	}
	if errors.Is(err, pipeline.ErrPolicyTimeout) {
		return http.StatusGatewayTimeout, "api_error", "policy processing timed out"
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		switch ue.Kind {
		case upstream.ErrKindAuthentication:
			return http.StatusUnauthorized, "authentication_error", ue.Message
		case upstream.ErrKindRateLimit:
			return http.StatusTooManyRequests, "rate_limit_error", ue.Message
		case upstream.ErrKindInvalidRequest:
			return http.StatusBadRequest, "invalid_request_error", ue.Message
		case upstream.ErrKindOverloaded:
			return http.StatusServiceUnavailable, "overloaded_error", ue.Message
		case upstream.ErrKindConnection:
			return http.StatusBadGateway, "api_error", ue.Message
		default:
			return http.StatusBadGateway, "api_error", ue.Message
		}
	}

	return http.StatusInternalServerError, "api_error", err.Error()
}

// writeOpenAIError renders err in the OpenAI error shape.
func writeOpenAIError(c *gin.Context, err error) {
	status, errType, message := classifyError(err)
	c.JSON(status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
	}})
}

// writeAnthropicError renders err in the Anthropic error shape.
func writeAnthropicError(c *gin.Context, err error) {
	status, errType, message := classifyError(err)
	var out anthropicError
	out.Type = "error"
	out.Error.Type = errType
	out.Error.Message = message
	c.JSON(status, out)
}
