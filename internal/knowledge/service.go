// Package knowledge wires the record store, edge graph, embedding index and
// the extraction, contradiction, resolution, provenance, staleness and prime
// components into the operations exposed by the CLI, HTTP and MCP front ends.
//
// The service does not own the stores it is given. Callers open and close
// them.
package knowledge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/contradiction"
	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/extraction"
	"github.com/fyrsmithlabs/expertd/internal/graph"
	"github.com/fyrsmithlabs/expertd/internal/prime"
	"github.com/fyrsmithlabs/expertd/internal/provenance"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
	"github.com/fyrsmithlabs/expertd/internal/staleness"
	"github.com/fyrsmithlabs/expertd/internal/store"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

// DefaultSearchLimit bounds Search when the caller passes no limit.
const DefaultSearchLimit = 10

// pageSize is used when walking every active record.
const pageSize = 500

// Index is the embedding index. *vectorindex.Index satisfies it.
type Index interface {
	Add(ctx context.Context, rec *expertise.Record) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, text string, limit int, minSimilarity float64) ([]vectorindex.Match, error)
	Rebuild(ctx context.Context, recs []*expertise.Record, batchSize int, progress vectorindex.ProgressFunc) error
	Len() int
}

// Config configures the components the service builds.
type Config struct {
	Extraction extraction.Config

	ContradictionEnabled bool
	Contradiction        contradiction.Config

	StalenessEnabled bool
	Staleness        staleness.Config

	// PrimeMaxTokens is the budget used when a prime request sets none.
	PrimeMaxTokens int

	// AllowReresolve lets Resolve act on an already resolved edge.
	AllowReresolve bool

	Check CheckConfig
}

// Options carries the collaborators of a Service. Records and Graph are
// required; everything else is optional.
type Options struct {
	Records *store.Store
	Graph   *graph.Store

	// Index enables dedup, detection and search. Leave it nil, not a typed
	// nil pointer, to run without one.
	Index Index

	Heuristic  extraction.Extractor
	LLM        extraction.Extractor
	Redactor   extraction.Redactor
	Classifier *contradiction.LazyClassifier

	Logger *zap.Logger
}

// Service is the knowledge facade.
type Service struct {
	cfg       Config
	records   *store.Store
	graph     *graph.Store
	index     Index
	pipeline  *extraction.Pipeline
	detector  *contradiction.Detector
	engine    *resolution.Engine
	tracker   *provenance.Tracker
	staleness *staleness.Manager
	formatter *prime.Formatter
	logger    *zap.Logger
}

// New builds a Service.
func New(cfg Config, opts Options) (*Service, error) {
	if opts.Records == nil {
		return nil, errors.New("record store is required")
	}
	if opts.Graph == nil {
		return nil, errors.New("graph store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:       cfg,
		records:   opts.Records,
		graph:     opts.Graph,
		index:     opts.Index,
		formatter: prime.NewFormatter(),
		logger:    logger,
	}
	s.tracker = provenance.NewTracker(opts.Graph, logger.Named("provenance"))

	pipelineOpts := []extraction.Option{
		extraction.WithProvenance(s.tracker),
		extraction.WithLogger(logger.Named("extraction")),
	}
	if opts.Heuristic != nil {
		pipelineOpts = append(pipelineOpts, extraction.WithHeuristic(opts.Heuristic))
	}
	if opts.LLM != nil {
		pipelineOpts = append(pipelineOpts, extraction.WithLLM(opts.LLM))
	}
	if opts.Redactor != nil {
		pipelineOpts = append(pipelineOpts, extraction.WithRedactor(opts.Redactor))
	}

	engineOpts := []resolution.Option{
		resolution.WithReresolve(cfg.AllowReresolve),
		resolution.WithLogger(logger.Named("resolution")),
	}

	if opts.Index != nil {
		pipelineOpts = append(pipelineOpts, extraction.WithIndex(opts.Index))
		engineOpts = append(engineOpts, resolution.WithIndex(opts.Index))
		s.detector = contradiction.NewDetector(opts.Records, opts.Index, opts.Classifier, cfg.Contradiction, logger.Named("contradiction"))
	}

	pipeline, err := extraction.NewPipeline(opts.Records, cfg.Extraction, pipelineOpts...)
	if err != nil {
		return nil, fmt.Errorf("building extraction pipeline: %w", err)
	}
	s.pipeline = pipeline
	s.engine = resolution.NewEngine(opts.Records, opts.Graph, engineOpts...)
	s.staleness = staleness.NewManager(opts.Records, cfg.Staleness, staleness.WithLogger(logger.Named("staleness")))

	return s, nil
}

// Count returns the number of active records.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.records.Count(ctx)
}

// IndexLen returns the number of indexed records, or -1 without an index.
func (s *Service) IndexLen() int {
	if s.index == nil {
		return -1
	}
	return s.index.Len()
}

// HasIndex reports whether an embedding index is configured.
func (s *Service) HasIndex() bool {
	return s.index != nil
}

// NLIAvailable probes the contradiction classifier.
func (s *Service) NLIAvailable(ctx context.Context) bool {
	return s.detector != nil && s.detector.NLIAvailable(ctx)
}

// AddRecord inserts rec and indexes it.
func (s *Service) AddRecord(ctx context.Context, rec *expertise.Record) (*expertise.Record, error) {
	if rec == nil {
		return nil, expertise.NewValidationError("record", "is required")
	}
	if _, err := s.records.Insert(ctx, rec); err != nil {
		return nil, err
	}
	s.reindex(ctx, rec)
	return rec, nil
}

// GetRecord returns the record with id, active or not.
func (s *Service) GetRecord(ctx context.Context, id string) (*expertise.Record, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, expertise.NotFoundError("record", id)
	}
	return rec, nil
}

// ListRecords queries the record store.
func (s *Service) ListRecords(ctx context.Context, f expertise.Filter) ([]*expertise.Record, error) {
	return s.records.Query(ctx, f)
}

// Validate reinforces a record.
func (s *Service) Validate(ctx context.Context, id string) (*expertise.Record, error) {
	if _, err := s.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	if err := s.records.ValidateRecord(ctx, id); err != nil {
		return nil, err
	}
	return s.GetRecord(ctx, id)
}

// Update changes mutable fields of a record and re-embeds it when its
// content changed.
func (s *Service) Update(ctx context.Context, id string, fields map[string]any) (*expertise.Record, error) {
	ok, err := s.records.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, expertise.NotFoundError("record", id)
	}
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, changed := fields[expertise.FieldContent]; changed && rec.IsActive {
		s.reindex(ctx, rec)
	}
	return rec, nil
}

// Delete soft deletes a record and drops it from the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.GetRecord(ctx, id); err != nil {
		return err
	}
	if err := s.records.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.unindex(ctx, id)
	return nil
}

// SearchHit is one Search result.
type SearchHit struct {
	Record *expertise.Record `json:"record"`
	// Score is the cosine similarity, or zero for a substring match.
	Score float64 `json:"score"`
}

// Search finds active records related to text. With an index it ranks by
// similarity; without one it falls back to a substring query.
func (s *Service) Search(ctx context.Context, text string, limit int, domain string) ([]SearchHit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	hits := []SearchHit{}

	if s.index == nil {
		recs, err := s.records.Query(ctx, expertise.Filter{Search: text, Domain: domain, Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			hits = append(hits, SearchHit{Record: r})
		}
		return hits, nil
	}

	// Over-fetch so that inactive and out-of-domain matches do not starve
	// the result.
	matches, err := s.index.Search(ctx, text, limit*3, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if len(hits) == limit {
			break
		}
		rec, err := s.records.Get(ctx, m.RecordID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.IsActive || (domain != "" && rec.Domain != domain) {
			continue
		}
		hits = append(hits, SearchHit{Record: rec, Score: m.Score})
	}
	return hits, nil
}

// Domains lists the domain registry.
func (s *Service) Domains(ctx context.Context) ([]expertise.Domain, error) {
	return s.records.ListDomains(ctx)
}

// CreateDomain registers a domain.
func (s *Service) CreateDomain(ctx context.Context, name, description string) error {
	return s.records.CreateDomain(ctx, name, description)
}

// DomainStats aggregates the active records of a domain.
func (s *Service) DomainStats(ctx context.Context, name string) (*expertise.DomainStats, error) {
	return s.records.GetDomainStats(ctx, name)
}

// Extract runs the extraction pipeline over one text.
func (s *Service) Extract(ctx context.Context, req extraction.Request) ([]extraction.Outcome, error) {
	return s.pipeline.Extract(ctx, req)
}

// ExtractBatch runs the extraction pipeline over conversations.
func (s *Service) ExtractBatch(ctx context.Context, convs []extraction.Conversation, mode extraction.Mode, defaultDomain string) (extraction.ExtractionStats, error) {
	return s.pipeline.ExtractBatch(ctx, convs, mode, defaultDomain)
}

// Reindex rebuilds the embedding index from every active record.
func (s *Service) Reindex(ctx context.Context, batchSize int, progress vectorindex.ProgressFunc) (int, error) {
	if s.index == nil {
		return 0, fmt.Errorf("reindex: %w: no embedding index configured", expertise.ErrUnavailable)
	}
	recs, err := s.allActive(ctx, "")
	if err != nil {
		return 0, err
	}
	if err := s.index.Rebuild(ctx, recs, batchSize, progress); err != nil {
		return 0, err
	}
	s.logger.Info("index rebuilt", zap.Int("records", len(recs)))
	return len(recs), nil
}

// allActive pages through the active records of domain.
func (s *Service) allActive(ctx context.Context, domain string) ([]*expertise.Record, error) {
	var out []*expertise.Record
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.records.Query(ctx, expertise.Filter{Domain: domain, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func (s *Service) reindex(ctx context.Context, rec *expertise.Record) {
	if s.index == nil {
		return
	}
	if err := s.index.Add(ctx, rec); err != nil {
		s.logger.Warn("indexing record failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (s *Service) unindex(ctx context.Context, id string) {
	if s.index == nil {
		return
	}
	if err := s.index.Remove(ctx, id); err != nil {
		s.logger.Warn("removing record from index failed", zap.String("record_id", id), zap.Error(err))
	}
}
