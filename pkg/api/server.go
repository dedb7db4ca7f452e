// Package api exposes the conductor's HTTP surface: the agent-facing
// heartbeat callback, node introspection, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
)

// HeartbeatHandler processes one agent heartbeat; the conductor satisfies it.
type HeartbeatHandler interface {
	Heartbeat(ctx context.Context, nodeID, callbackURL string) error
}

// Server serves the conductor API.
type Server struct {
	listen     string
	heartbeats HeartbeatHandler
	store      node.Store
	reporter   Reporter

	metricsHandler http.Handler
	engine         *gin.Engine
	httpServer     *http.Server
}

// Reporter is the server's observability sink.
type Reporter interface {
	RecordEvent(ctx context.Context, evt observability.Event)
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts a metrics endpoint, typically the Prometheus
// registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metricsHandler = h
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep Reporter) Option {
	return func(s *Server) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

type noopReporter struct{}

func (noopReporter) RecordEvent(context.Context, observability.Event) {}

// New constructs a Server listening on the given address.
func New(listen string, heartbeats HeartbeatHandler, store node.Store, opts ...Option) (*Server, error) {
	if strings.TrimSpace(listen) == "" {
		return nil, errors.New("listen address must not be empty")
	}
	if heartbeats == nil {
		return nil, errors.New("heartbeat handler must not be nil")
	}
	if store == nil {
		return nil, errors.New("node store must not be nil")
	}

	srv := &Server{
		listen:     listen,
		heartbeats: heartbeats,
		store:      store,
		reporter:   noopReporter{},
	}
	for _, opt := range opts {
		opt(srv)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.POST("/v1/heartbeat/:node", srv.handleHeartbeat)
	engine.GET("/v1/nodes", srv.handleListNodes)
	engine.GET("/v1/nodes/:node", srv.handleGetNode)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if srv.metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(srv.metricsHandler))
	}

	srv.engine = engine
	srv.httpServer = &http.Server{
		Addr:              listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type heartbeatRequest struct {
	CallbackURL string `json:"callback_url" binding:"required"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	nodeID := c.Param("node")

	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callback_url is required"})
		return
	}

	if err := s.heartbeats.Heartbeat(c.Request.Context(), nodeID, req.CallbackURL); err != nil {
		s.reporter.RecordEvent(c.Request.Context(), observability.Event{
			Level:  observability.LevelError,
			Node:   nodeID,
			Event:  "heartbeat_request_failed",
			Fields: map[string]interface{}{"error": err.Error()},
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat processing failed"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleGetNode(c *gin.Context) {
	n, err := s.store.Get(c.Request.Context(), c.Param("node"))
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "node lookup failed"})
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "node listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}
