package logging

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// instrumentationName identifies expertd records in the OTEL log pipeline.
const instrumentationName = "github.com/fyrsmithlabs/expertd"

var errNoOutput = errors.New("no log output enabled")

// newDualCore tees the stderr core with the OTEL bridge and samples the
// result. Stdout is never written: it carries command output and MCP frames.
func newDualCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if cfg.Output.Stderr {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("redacting encoder: %w", err)
		}
		w := cfg.Output.Writer
		if w == nil {
			w = zapcore.Lock(os.Stderr)
		}
		cores = append(cores, zapcore.NewCore(enc, w, cfg.Level))
	}

	if cfg.Output.OTEL && provider != nil {
		bridge := otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(provider))
		cores = append(cores, &levelFilterCore{Core: bridge, minLevel: cfg.Level, hasMin: true})
	}

	switch len(cores) {
	case 0:
		return nil, errNoOutput
	case 1:
		return newSampledCore(cores[0], cfg.Sampling), nil
	default:
		return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
	}
}
