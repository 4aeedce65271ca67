package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/secrets"
)

// Server is an MCP server over the knowledge service.
type Server struct {
	mcp      *mcp.Server
	svc      *knowledge.Service
	scrubber *secrets.Scrubber
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "expertd").
	Name string

	// Version is the server version (default: "dev").
	Version string

	Logger *zap.Logger

	// Scrubber redacts secrets from authored record content. Optional.
	Scrubber *secrets.Scrubber

	// Metrics defaults to instruments on the global meter provider.
	Metrics *Metrics
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "expertd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates the server and registers every tool.
func NewServer(cfg *Config, svc *knowledge.Service) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("knowledge service is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger)
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
			nil,
		),
		svc:      svc,
		scrubber: cfg.Scrubber,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves the stdio transport until ctx is done or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session over t. Tests use it with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
