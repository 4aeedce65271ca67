// Package logging builds the expertd zap logger.
//
// Logs go to stderr, never stdout: stdout carries command JSON output and
// the MCP stdio protocol. Records can additionally be bridged to an
// OpenTelemetry log provider.
//
// The logger adds:
//   - a Trace level (-2, below Debug)
//   - trace, request and operation correlation fields from the context
//   - key and pattern based secret redaction
//   - sampling below Error (errors are never sampled)
//
// Usage:
//
//	cfg := logging.NewDefaultConfig()
//	cfg.Level, _ = logging.LevelFromString("debug")
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithOperation(ctx, "prune")
//	logger.Info(ctx, "pruned stale records", zap.Int("pruned", n))
//
// Components that take a plain *zap.Logger receive logger.Underlying().
package logging
