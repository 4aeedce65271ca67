package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/config"
	"github.com/fyrsmithlabs/expertd/internal/contradiction"
	"github.com/fyrsmithlabs/expertd/internal/embeddings"
	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/extraction"
	"github.com/fyrsmithlabs/expertd/internal/graph"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/logging"
	"github.com/fyrsmithlabs/expertd/internal/secrets"
	"github.com/fyrsmithlabs/expertd/internal/staleness"
	"github.com/fyrsmithlabs/expertd/internal/store"
	"github.com/fyrsmithlabs/expertd/internal/telemetry"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	records   *store.Store
	graph     *graph.Store
	index     *vectorindex.Index
	embedder  embeddings.Provider
	scrubber  *secrets.Scrubber
	svc       *knowledge.Service
}

// openApp loads configuration and opens the stores. Optional collaborators
// (embedding index, NLI, LLM) that fail to start are logged and left out.
func openApp(ctx context.Context, opts *globalOptions) (a *app, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		cfg.Data.Dir = opts.dataDir
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.telemetry, err = telemetry.New(ctx, telemetryConfig(cfg)); err != nil {
		return nil, err
	}
	logCfg, err := loggingConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.logger, err = logging.NewLogger(logCfg, a.telemetry.LoggerProvider()); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	zl := a.logger.Underlying()

	if a.records, err = store.Open(ctx, cfg.Data.RecordsPath(), store.WithLogger(zl.Named("store"))); err != nil {
		return nil, err
	}
	if a.graph, err = graph.Open(ctx, cfg.Data.GraphPath(), zl.Named("graph")); err != nil {
		return nil, err
	}

	if a.scrubber, err = secrets.New(cfg.Secrets, zl.Named("secrets")); err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}

	svcOpts := knowledge.Options{
		Records:  a.records,
		Graph:    a.graph,
		Redactor: a.scrubber,
		Logger:   zl,
	}
	a.openIndex(ctx)
	if a.index != nil {
		svcOpts.Index = a.index
	}

	heuristic, err := extraction.NewHeuristicExtractor(extraction.HeuristicConfig{})
	if err != nil {
		return nil, err
	}
	svcOpts.Heuristic = heuristic

	llm, err := extraction.NewLLMClient(extraction.LLMConfig{
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.Model,
		APIKey:     cfg.LLM.APIKey.Value(),
		BaseURL:    cfg.LLM.BaseURL,
		MaxTokens:  cfg.LLM.MaxTokens,
		Timeout:    cfg.LLM.Timeout.Duration(),
		MaxRetries: cfg.LLM.MaxRetries,
	})
	switch {
	case err != nil:
		a.logger.Warn(ctx, "llm extractor disabled", zap.Error(err))
	case llm != nil:
		svcOpts.LLM = extraction.NewLLMExtractor(llm, zl.Named("llm"))
	}

	if cfg.NLI.BaseURL != "" {
		nli, err := contradiction.NewNLIClient(contradiction.NLIConfig{
			BaseURL:           cfg.NLI.BaseURL,
			APIKey:            cfg.NLI.APIKey.Value(),
			Model:             cfg.NLI.Model,
			Timeout:           cfg.NLI.Timeout.Duration(),
			RequestsPerSecond: cfg.NLI.RequestsPerSecond,
			Logger:            zl.Named("nli"),
		})
		if err != nil {
			a.logger.Warn(ctx, "nli classifier disabled", zap.Error(err))
		} else {
			svcOpts.Classifier = contradiction.NewLazyClassifier(nli.Loader(), zl.Named("nli"))
		}
	}

	svcCfg, err := serviceConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.svc, err = knowledge.New(svcCfg, svcOpts); err != nil {
		return nil, err
	}
	return a, nil
}

// openIndex opens the embedding index. Leaving a.index nil runs without
// one: dedup, detection and semantic search are then unavailable.
func (a *app) openIndex(ctx context.Context) {
	p := strings.ToLower(a.cfg.Embeddings.Provider)
	if p == "" || p == "none" || p == "disabled" {
		return
	}
	zl := a.logger.Underlying()
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: a.cfg.Embeddings.Provider,
		Model:    a.cfg.Embeddings.Model,
		BaseURL:  a.cfg.Embeddings.BaseURL,
		APIKey:   a.cfg.Embeddings.APIKey.Value(),
		CacheDir: a.cfg.Embeddings.CacheDir,
		Logger:   zl.Named("embeddings"),
	})
	if err != nil {
		a.logger.Warn(ctx, "embedding provider unavailable; running without an index", zap.Error(err))
		return
	}
	idx, err := vectorindex.Open(ctx, a.cfg.Data.IndexDir(), provider, zl.Named("vectorindex"))
	if err != nil {
		_ = provider.Close()
		a.logger.Warn(ctx, "embedding index unavailable; running without an index", zap.Error(err))
		return
	}
	a.embedder = provider
	a.index = idx
}

// Close releases every opened resource.
func (a *app) Close() error {
	var errs []error
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.graph != nil {
		errs = append(errs, a.graph.Close())
	}
	if a.records != nil {
		errs = append(errs, a.records.Close())
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry.Shutdown(ctx))
		cancel()
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Sync())
	}
	return errors.Join(errs...)
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	o := cfg.Observability
	tc.Enabled = o.Enabled
	tc.Endpoint = o.Endpoint
	tc.Protocol = o.Protocol
	tc.Insecure = o.Insecure
	tc.ServiceName = o.ServiceName
	tc.ServiceVersion = version
	tc.Sampling.Rate = o.SampleRate
	tc.Metrics.Enabled = o.MetricsEnabled
	return tc
}

func loggingConfig(cfg *config.Config) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	lc.Level = level
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.Output.OTEL = cfg.Logging.OTEL
	return lc, nil
}

func serviceConfig(cfg *config.Config) (knowledge.Config, error) {
	excluded := make([]expertise.RecordType, 0, len(cfg.Staleness.ExcludeTypes))
	for _, name := range cfg.Staleness.ExcludeTypes {
		t, err := expertise.ParseRecordType(name)
		if err != nil {
			return knowledge.Config{}, fmt.Errorf("staleness.exclude_types: %w", err)
		}
		excluded = append(excluded, t)
	}

	return knowledge.Config{
		Extraction: extraction.Config{
			Mode:                     extraction.Mode(cfg.Extraction.Mode),
			DedupSimilarityThreshold: extraction.Float64(cfg.Extraction.DedupSimilarityThreshold),
			DedupFlagThreshold:       extraction.Float64(cfg.Extraction.DedupFlagThreshold),
			MinTextLength:            extraction.Int(cfg.Extraction.MinTextLength),
			DefaultDomain:            cfg.Extraction.DefaultDomain,
		},
		ContradictionEnabled: cfg.Contradiction.Enabled,
		Contradiction: contradiction.Config{
			SimilarityThreshold:    cfg.Contradiction.SimilarityThreshold,
			ContradictionThreshold: cfg.Contradiction.ContradictionThreshold,
			MaxCandidates:          cfg.Contradiction.MaxCandidates,
		},
		StalenessEnabled: cfg.Staleness.Enabled,
		Staleness: staleness.Config{
			Threshold:          staleness.Float64(cfg.Staleness.Threshold),
			MinAgeDays:         cfg.Staleness.MinAgeDays,
			MinValidationCount: cfg.Staleness.MinValidationCount,
			ExcludeTypes:       excluded,
			BatchSize:          cfg.Staleness.BatchSize,
		},
		PrimeMaxTokens: cfg.Prime.MaxTokens,
		AllowReresolve: cfg.Contradiction.AllowReresolve,
		Check: knowledge.CheckConfig{
			MaxUnresolvedContradictions: cfg.Check.MaxUnresolvedContradictions,
			MaxStaleRecords:             cfg.Check.MaxStaleRecords,
		},
	}, nil
}
