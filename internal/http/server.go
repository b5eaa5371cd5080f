// Package http serves the engine over a JSON and server-sent-events API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/agent"
	"github.com/fyrsmithlabs/taskpilot/internal/logging"
)

const defaultHeartbeat = 30 * time.Second

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Heartbeat is the comment interval on idle event streams.
	Heartbeat time.Duration
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	agent  *agent.Service
	logger *logging.Logger
	config *Config
}

// NewServer creates a server over svc.
func NewServer(svc *agent.Service, logger *logging.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("agent service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestContext(logger))
	e.Use(NewHTTPMetrics(logger.Underlying()).Middleware())

	s := &Server{
		echo:   e,
		agent:  svc,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// requestContext puts the request id and a request-scoped logger on the
// request context and logs each request when it ends.
func requestContext(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), id)
			ctx = logging.WithLogger(ctx, logger)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleExecuteTask)
	v1.POST("/threads/:id/stop", s.handleStopTask)
	v1.GET("/threads/:id/checkpoints", s.handleListCheckpoints)
	v1.POST("/threads/:id/checkpoints/:cid/restore", s.handleRestoreCheckpoint)
	v1.GET("/threads/:id/conversation", s.handleConversation)

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleLoadSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)

	v1.POST("/facts", s.handleSaveFact)
	v1.GET("/facts", s.handleListFacts)
	v1.GET("/facts/recall", s.handleRecallFacts)

	v1.GET("/stats", s.handleStats)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
