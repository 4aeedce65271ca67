// Package http serves the expertd knowledge API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/logging"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
	"github.com/fyrsmithlabs/expertd/internal/secrets"
	"github.com/fyrsmithlabs/expertd/internal/telemetry"
)

// maxBodyBytes bounds request bodies; batch extraction is the largest.
const maxBodyBytes = "8M"

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	svc       *knowledge.Service
	scrubber  *secrets.Scrubber
	logger    *logging.Logger
	config    *Config
	gatherer  prometheus.Gatherer
	telemetry *telemetry.Telemetry
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Option configures a Server.
type Option func(*Server)

// WithScrubber enables POST /api/v1/scrub.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(srv *Server) { srv.scrubber = s }
}

// WithGatherer replaces the default Prometheus registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(srv *Server) { srv.gatherer = g }
}

// WithTelemetry reports exporter health on /health.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(srv *Server) { srv.telemetry = t }
}

// NewServer creates the server and registers its routes.
func NewServer(svc *knowledge.Service, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("knowledge service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		svc:      svc,
		logger:   logging.Wrap(logger),
		config:   cfg,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(NewHTTPMetrics(logger).Middleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/records", s.handleAddRecord)
	v1.GET("/records", s.handleListRecords)
	v1.GET("/records/:id", s.handleGetRecord)
	v1.PATCH("/records/:id", s.handleUpdateRecord)
	v1.DELETE("/records/:id", s.handleDeleteRecord)
	v1.POST("/records/:id/validate", s.handleValidateRecord)
	v1.GET("/records/:id/lineage", s.handleLineage)
	v1.GET("/search", s.handleSearch)

	v1.GET("/domains", s.handleListDomains)
	v1.POST("/domains", s.handleCreateDomain)
	v1.GET("/domains/:name/stats", s.handleDomainStats)

	v1.POST("/extract", s.handleExtractBatch)
	v1.POST("/extract/text", s.handleExtractText)
	v1.GET("/conversations/:id/records", s.handleConversationRecords)

	v1.POST("/prime", s.handlePrime)
	v1.GET("/stale", s.handleStale)
	v1.POST("/prune", s.handlePrune)

	v1.GET("/graph/stats", s.handleGraphStats)
	v1.GET("/graph/contradictions", s.handleContradictions)
	v1.POST("/graph/detect", s.handleDetect)
	v1.POST("/graph/edges/:id/resolve", s.handleResolve)

	v1.GET("/check", s.handleCheck)
	v1.POST("/scrub", s.handleScrub)
}

// requestLogger puts the request id on the context and logs each request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		if ctx, err := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID)); err == nil {
			c.SetRequest(req.WithContext(ctx))
		}

		err := next(c)

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto status codes.
func statusFor(err error) (int, string) {
	var (
		be *echo.BindingError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &be):
		return be.Code, be.Error()
	case errors.As(err, &he):
		msg := fmt.Sprint(he.Message)
		if he.Internal != nil && he.Code < http.StatusInternalServerError {
			msg = fmt.Sprintf("%s: %v", msg, he.Internal)
		}
		return he.Code, msg
	case errors.Is(err, expertise.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, expertise.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, resolution.ErrAlreadyResolved):
		return http.StatusConflict, err.Error()
	case errors.Is(err, expertise.ErrUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err), zap.String("path", c.Path()))
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "failed to write error response", zap.Error(err))
	}
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address until Shutdown.
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
