package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien-proxy/internal/protocol"
	"github.com/luthien-dev/luthien-proxy/internal/protocol/stream"
	"github.com/luthien-dev/luthien-proxy/internal/record"
)

// handleAnthropicMessages serves POST /v1/messages, translating between the
// Anthropic wire format and the upstream's OpenAI-compatible surface.
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeAnthropicError(c, err)
		return
	}
	var ar protocol.AnthropicRequest
	if err := json.Unmarshal(body, &ar); err != nil {
		writeAnthropicBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	req, err := protocol.RequestFromAnthropic(&ar)
	if err != nil {
		writeAnthropicBadRequest(c, err.Error())
		return
	}

	transactionID := uuid.NewString()
	ctx, span, pctx := s.startTransaction(c, transactionID, "anthropic")
	defer span.End()
	pctx.RawRequest = body

	pol := s.Policy()
	rec := record.New(s.emitter, transactionID, s.cfg.RecorderMaxChunks)

	final, err := s.orchestrator.ProcessRequest(ctx, pol, pctx, rec, req)
	if err != nil {
		writeAnthropicError(c, err)
		return
	}

	if !ar.Stream {
		resp, err := s.provider.Complete(ctx, final)
		if err != nil {
			writeAnthropicError(c, err)
			return
		}
		out, err := s.orchestrator.ProcessFullResponse(ctx, pol, pctx, rec, resp)
		if err != nil {
			writeAnthropicError(c, err)
			return
		}
		converted, err := protocol.ResponseToAnthropic(out)
		if err != nil {
			writeAnthropicError(c, err)
			return
		}
		c.JSON(http.StatusOK, converted)
		return
	}

	src, err := s.provider.Stream(ctx, final)
	if err != nil {
		writeAnthropicError(c, err)
		return
	}

	write, ok := s.sseWriter(c)
	if !ok {
		src.Close()
		return
	}

	formatter := stream.NewAnthropicFormatter(transactionID, final.Model)
	formatter.WriteTimeout = s.cfg.SSEWriteTimeout

	if err := s.orchestrator.ProcessStreamingResponse(ctx, pol, pctx, rec, src, formatter, write); err != nil {
		logrus.WithError(err).WithField("transaction_id", transactionID).Error("streaming pipeline failed")
		_ = write("event: error\ndata: " +
			`{"type":"error","error":{"type":"api_error","message":"stream interrupted"}}` + "\n\n")
	}
}

func writeAnthropicBadRequest(c *gin.Context, message string) {
	var out anthropicError
	out.Type = "error"
	out.Error.Type = "invalid_request_error"
	out.Error.Message = message
	c.JSON(http.StatusBadRequest, out)
}
