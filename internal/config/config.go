// Package config loads expertd configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/expertd/internal/secrets"
)

// Config is the complete expertd configuration.
type Config struct {
	Data          DataConfig          `koanf:"data"`
	Extraction    ExtractionConfig    `koanf:"extraction"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Contradiction ContradictionConfig `koanf:"contradiction"`
	NLI           NLIConfig           `koanf:"nli"`
	Staleness     StalenessConfig     `koanf:"staleness"`
	Prime         PrimeConfig         `koanf:"prime"`
	Check         CheckConfig         `koanf:"check"`
	Secrets       secrets.Config      `koanf:"secrets"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// DataConfig locates the persisted state.
type DataConfig struct {
	Dir string `koanf:"dir"`
}

// RecordsPath is the record store database.
func (d DataConfig) RecordsPath() string { return filepath.Join(d.Dir, "records.db") }

// GraphPath is the edge store database.
func (d DataConfig) GraphPath() string { return filepath.Join(d.Dir, "graph.db") }

// IndexDir holds the embedding index snapshot pair.
func (d DataConfig) IndexDir() string { return filepath.Join(d.Dir, "index") }

// ExtractionConfig configures the extraction pipeline.
type ExtractionConfig struct {
	Mode                     string  `koanf:"mode"`
	DedupSimilarityThreshold float64 `koanf:"dedup_similarity_threshold"`
	DedupFlagThreshold       float64 `koanf:"dedup_flag_threshold"`
	MinTextLength            int     `koanf:"min_text_length"`
	DefaultDomain            string  `koanf:"default_domain"`
}

// LLMConfig configures the LLM extractor. An empty provider disables it.
type LLMConfig struct {
	Provider   string   `koanf:"provider"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	BaseURL    string   `koanf:"base_url"`
	MaxTokens  int      `koanf:"max_tokens"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
}

// EmbeddingsConfig configures the embedding provider. An empty provider
// runs without an embedding index.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// ContradictionConfig configures the contradiction detector.
type ContradictionConfig struct {
	Enabled                bool    `koanf:"enabled"`
	SimilarityThreshold    float64 `koanf:"similarity_threshold"`
	ContradictionThreshold float64 `koanf:"contradiction_threshold"`
	MaxCandidates          int     `koanf:"max_candidates"`
	// AllowReresolve lets an already resolved edge be resolved again.
	AllowReresolve bool `koanf:"allow_reresolve"`
}

// NLIConfig configures the NLI classifier. An empty base URL disables it.
type NLIConfig struct {
	BaseURL           string   `koanf:"base_url"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// StalenessConfig configures staleness scoring and pruning.
type StalenessConfig struct {
	Enabled            bool     `koanf:"enabled"`
	Threshold          float64  `koanf:"threshold"`
	MinAgeDays         int      `koanf:"min_age_days"`
	MinValidationCount int      `koanf:"min_validation_count"`
	ExcludeTypes       []string `koanf:"exclude_types"`
	BatchSize          int      `koanf:"batch_size"`
}

// PrimeConfig configures prime defaults.
type PrimeConfig struct {
	MaxTokens int    `koanf:"max_tokens"`
	Format    string `koanf:"format"`
}

// CheckConfig holds the CI gate limits.
type CheckConfig struct {
	MaxUnresolvedContradictions int `koanf:"max_unresolved_contradictions"`
	MaxStaleRecords             int `koanf:"max_stale_records"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// OTEL bridges logs to the OpenTelemetry log pipeline.
	OTEL bool `koanf:"otel"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"`
	Insecure       bool    `koanf:"insecure"`
	ServiceName    string  `koanf:"service_name"`
	SampleRate     float64 `koanf:"sample_rate"`
	MetricsEnabled bool    `koanf:"metrics_enabled"`
}

// Default returns the built-in configuration. Loading starts from it, so
// booleans that default to true stay true unless overridden.
func Default() *Config {
	return &Config{
		Data: DataConfig{Dir: defaultDataDir()},
		Extraction: ExtractionConfig{
			Mode:                     "heuristic_only",
			DedupSimilarityThreshold: 0.95,
			DedupFlagThreshold:       0.80,
			MinTextLength:            50,
			DefaultDomain:            "general",
		},
		LLM: LLMConfig{
			MaxTokens:  2048,
			Timeout:    Duration(60 * time.Second),
			MaxRetries: 3,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "fastembed",
			Model:    "BAAI/bge-small-en-v1.5",
		},
		Contradiction: ContradictionConfig{
			Enabled:                true,
			SimilarityThreshold:    0.75,
			ContradictionThreshold: 0.70,
			MaxCandidates:          10,
		},
		NLI: NLIConfig{
			Timeout:           Duration(10 * time.Second),
			RequestsPerSecond: 10,
		},
		Staleness: StalenessConfig{
			Enabled:            true,
			Threshold:          0.7,
			MinAgeDays:         30,
			MinValidationCount: 1,
			BatchSize:          500,
		},
		Prime:   PrimeConfig{MaxTokens: 2000, Format: "prose"},
		Secrets: secrets.DefaultConfig(),
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Observability: ObservabilityConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "expertd",
			SampleRate:     1.0,
			MetricsEnabled: true,
		},
	}
}

// applyDefaults fills zero values an override may have cleared.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = def.Data.Dir
	}
	cfg.Data.Dir = expandHome(cfg.Data.Dir)
	if cfg.Extraction.Mode == "" {
		cfg.Extraction.Mode = def.Extraction.Mode
	}
	if cfg.Extraction.DefaultDomain == "" {
		cfg.Extraction.DefaultDomain = def.Extraction.DefaultDomain
	}
	if cfg.Staleness.BatchSize <= 0 {
		cfg.Staleness.BatchSize = def.Staleness.BatchSize
	}
	if cfg.Prime.MaxTokens <= 0 {
		cfg.Prime.MaxTokens = def.Prime.MaxTokens
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if cfg.Embeddings.CacheDir != "" {
		cfg.Embeddings.CacheDir = expandHome(cfg.Embeddings.CacheDir)
	}
}

// Validate checks value ranges that the components would otherwise reject
// at first use.
func (c *Config) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}

	switch c.Extraction.Mode {
	case "heuristic_only", "llm_only", "full":
	default:
		errs = append(errs, fmt.Errorf("extraction.mode %q is not one of heuristic_only, llm_only, full", c.Extraction.Mode))
	}
	unit("extraction.dedup_similarity_threshold", c.Extraction.DedupSimilarityThreshold)
	unit("extraction.dedup_flag_threshold", c.Extraction.DedupFlagThreshold)
	if c.Extraction.DedupFlagThreshold > c.Extraction.DedupSimilarityThreshold {
		errs = append(errs, errors.New("extraction.dedup_flag_threshold cannot exceed dedup_similarity_threshold"))
	}
	unit("contradiction.similarity_threshold", c.Contradiction.SimilarityThreshold)
	unit("contradiction.contradiction_threshold", c.Contradiction.ContradictionThreshold)
	unit("staleness.threshold", c.Staleness.Threshold)
	if c.Staleness.MinAgeDays < 0 || c.Staleness.MinValidationCount < 0 {
		errs = append(errs, errors.New("staleness gates cannot be negative"))
	}
	if c.Check.MaxUnresolvedContradictions < 0 || c.Check.MaxStaleRecords < 0 {
		errs = append(errs, errors.New("check limits cannot be negative"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d must be 1-65535", c.Server.Port))
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.Observability.Enabled {
		switch strings.ToLower(c.Observability.Protocol) {
		case "grpc", "http", "http/protobuf":
		default:
			errs = append(errs, fmt.Errorf("observability.protocol %q must be grpc or http/protobuf", c.Observability.Protocol))
		}
		if c.Observability.Endpoint == "" {
			errs = append(errs, errors.New("observability.endpoint is required when observability is enabled"))
		}
		unit("observability.sample_rate", c.Observability.SampleRate)
	}
	return errors.Join(errs...)
}
