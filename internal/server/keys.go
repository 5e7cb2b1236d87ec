package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type issueKeyRequest struct {
	ClientID string `json:"client_id"`
}

type issueKeyResponse struct {
	APIKey   string `json:"api_key"`
	ClientID string `json:"client_id"`
}

// handleIssueKey mints a signed API key bound to the requested client
// identity. Requires the token signing secret to be configured.
func (s *Server) handleIssueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: "client_id is required",
			Type:    "invalid_request_error",
		}})
		return
	}

	key, err := s.validator.IssueAPIKey(req.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: err.Error(),
			Type:    "invalid_request_error",
		}})
		return
	}
	c.JSON(http.StatusOK, issueKeyResponse{APIKey: key, ClientID: req.ClientID})
}
