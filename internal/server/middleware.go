package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/luthien-dev/luthien-proxy/internal/auth"
)

const clientIDKey = "client_id"

// authMiddleware validates the credential from the Authorization or x-api-key
// header and stores the client identity on the gin context.
func authMiddleware(validator *auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !validator.Enabled() {
			c.Set(clientIDKey, "anonymous")
			c.Next()
			return
		}

		credential := c.GetHeader("Authorization")
		if credential == "" {
			credential = c.GetHeader("x-api-key")
		}
		clientID, err := validator.Validate(credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{
				Message: "invalid or missing API key",
				Type:    "authentication_error",
			}})
			return
		}
		c.Set(clientIDKey, clientID)
		c.Next()
	}
}

// bodyLimitMiddleware rejects oversized payloads before they are read.
func bodyLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: ErrorDetail{
				Message: "request body too large",
				Type:    "invalid_request_error",
			}})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// sessionID extracts the client-supplied session correlation header, if any.
func sessionID(c *gin.Context) string {
	if v := c.GetHeader("x-session-id"); v != "" {
		return strings.TrimSpace(v)
	}
	return ""
}
