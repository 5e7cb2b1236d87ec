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

// handleOpenAIChat serves POST /v1/chat/completions.
func (s *Server) handleOpenAIChat(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeOpenAIError(c, err)
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: "invalid request body: " + err.Error(),
			Type:    "invalid_request_error",
		}})
		return
	}

	transactionID := uuid.NewString()
	ctx, span, pctx := s.startTransaction(c, transactionID, "openai")
	defer span.End()
	pctx.RawRequest = body

	pol := s.Policy()
	rec := record.New(s.emitter, transactionID, s.cfg.RecorderMaxChunks)

	final, err := s.orchestrator.ProcessRequest(ctx, pol, pctx, rec, &req)
	if err != nil {
		writeOpenAIError(c, err)
		return
	}

	if !final.Stream {
		resp, err := s.provider.Complete(ctx, final)
		if err != nil {
			writeOpenAIError(c, err)
			return
		}
		out, err := s.orchestrator.ProcessFullResponse(ctx, pol, pctx, rec, resp)
		if err != nil {
			writeOpenAIError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	src, err := s.provider.Stream(ctx, final)
	if err != nil {
		writeOpenAIError(c, err)
		return
	}

	write, ok := s.sseWriter(c)
	if !ok {
		src.Close()
		return
	}

	formatter := stream.NewOpenAIFormatter()
	formatter.WriteTimeout = s.cfg.SSEWriteTimeout

	if err := s.orchestrator.ProcessStreamingResponse(ctx, pol, pctx, rec, src, formatter, write); err != nil {
		// Headers are already out; best effort terminal error frame.
		logrus.WithError(err).WithField("transaction_id", transactionID).Error("streaming pipeline failed")
		_ = write(`data: {"error":{"message":"stream interrupted","type":"api_error"}}` + "\n\n")
	}
}

// sseWriter prepares the response for server-sent events and returns a frame
// writer that flushes after every write.
func (s *Server) sseWriter(c *gin.Context) (func(string) error, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Message: "streaming not supported by this connection",
			Type:    "api_error",
		}})
		return nil, false
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	return func(frame string) error {
		if _, err := c.Writer.Write([]byte(frame)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, true
}
