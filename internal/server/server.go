// Package server exposes the gateway's HTTP surface: the OpenAI and
// Anthropic compatible chat endpoints, health, and key issuance.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/luthien-dev/luthien-proxy/internal/auth"
	"github.com/luthien-dev/luthien-proxy/internal/config"
	"github.com/luthien-dev/luthien-proxy/internal/events"
	"github.com/luthien-dev/luthien-proxy/internal/pipeline"
	"github.com/luthien-dev/luthien-proxy/internal/policy"
	"github.com/luthien-dev/luthien-proxy/internal/upstream"
)

// policyHolder wraps the active policy for atomic replacement on hot reload.
type policyHolder struct {
	p policy.Policy
}

// Server is the gateway HTTP server.
type Server struct {
	cfg          *config.Config
	engine       *gin.Engine
	httpServer   *http.Server
	validator    *auth.Validator
	emitter      *events.Emitter
	tracer       trace.Tracer
	provider     upstream.Provider
	orchestrator *pipeline.Orchestrator

	active atomic.Pointer[policyHolder]
}

// NewServer wires the HTTP layer over the given pipeline components.
func NewServer(cfg *config.Config, emitter *events.Emitter, tracer trace.Tracer, provider upstream.Provider, initial policy.Policy) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:          cfg,
		engine:       gin.New(),
		validator:    auth.NewValidator(cfg.ProxyAPIKey, cfg.AuthSecret),
		emitter:      emitter,
		tracer:       tracer,
		provider:     provider,
		orchestrator: pipeline.NewOrchestrator(pipeline.NewExecutor(cfg.PolicyTimeout), cfg.QueueSize),
	}
	s.SetPolicy(initial)

	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// SetPolicy swaps the active policy. In-flight transactions keep the policy
// they started with.
func (s *Server) SetPolicy(p policy.Policy) {
	if p == nil {
		p = policy.NewNoOp()
	}
	s.active.Store(&policyHolder{p: p})
}

// Policy returns the currently active policy.
func (s *Server) Policy() policy.Policy {
	return s.active.Load().p
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/",
		authMiddleware(s.validator),
		bodyLimitMiddleware(s.cfg.MaxRequestSize),
	)
	api.POST("/v1/chat/completions", s.handleOpenAIChat)
	api.POST("/v1/messages", s.handleAnthropicMessages)
	api.POST("/v1/auth/keys", s.handleIssueKey)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"policy": s.Policy().Name(),
	})
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logrus.WithFields(logrus.Fields{
		"port":   s.cfg.Port,
		"policy": s.Policy().Name(),
	}).Info("gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// startTransaction opens the per-request span and policy context.
func (s *Server) startTransaction(c *gin.Context, transactionID, endpoint string) (context.Context, trace.Span, *policy.Context) {
	ctx := c.Request.Context()
	tracer := s.tracer
	if tracer == nil {
		tracer = trace.SpanFromContext(ctx).TracerProvider().Tracer("luthien-proxy")
	}
	ctx, span := tracer.Start(ctx, "gateway.transaction",
		trace.WithAttributes(
			attribute.String("transaction_id", transactionID),
			attribute.String("endpoint", endpoint),
		),
	)

	pctx := policy.NewContext(transactionID, s.emitter, tracer)
	pctx.SessionID = sessionID(c)
	return ctx, span, pctx
}
