package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/expertd/internal/http"
	"github.com/fyrsmithlabs/expertd/internal/mcp"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Gate CI on unresolved contradictions and stale records",
		Long: `Check evaluates the configured gates and exits 1 when any gate fails. A
disabled feature reports its gate as SKIP.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report, err := a.svc.Check(ctx)
				if err != nil {
					return err
				}
				if err := output(cmd.OutOrStdout(), opts, report, func(w io.Writer) { checkReport(w, report) }); err != nil {
					return err
				}
				if !report.Passed() {
					return errCheckFailed
				}
				return nil
			})
		},
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				cfg := a.cfg.Server
				if cmd.Flags().Changed("host") {
					cfg.Host = host
				}
				if cmd.Flags().Changed("port") {
					cfg.Port = port
				}
				srv, err := httpserver.NewServer(a.svc, a.logger.Underlying(), &httpserver.Config{
					Host:    cfg.Host,
					Port:    cfg.Port,
					Version: version,
				}, httpserver.WithScrubber(a.scrubber), httpserver.WithTelemetry(a.telemetry))
				if err != nil {
					return err
				}

				a.logger.Info(ctx, "expertd serving",
					zap.String("addr", cfg.Addr()),
					zap.Bool("index", a.svc.HasIndex()),
					zap.Duration("shutdown_timeout", cfg.ShutdownTimeout.Duration()))

				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start() }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutting down: %w", err)
				}
				return <-errCh
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default: server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: server.port)")
	return cmd
}

func newMCPCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				srv, err := mcp.NewServer(&mcp.Config{
					Name:     "expertd",
					Version:  version,
					Logger:   a.logger.Underlying().Named("mcp"),
					Scrubber: a.scrubber,
				}, a.svc)
				if err != nil {
					return err
				}
				return srv.Run(ctx)
			})
		},
	}
}
