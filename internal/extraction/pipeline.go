package extraction

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/secrets"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

// Defaults for Config.
const (
	DefaultDedupSimilarityThreshold = 0.95
	DefaultDedupFlagThreshold       = 0.80
	DefaultMinTextLength            = 50
	DefaultDomain                   = "general"

	// dedupNeighbors is how many index hits are inspected for an active match.
	dedupNeighbors = 5
)

// RecordStore is the part of the record store the pipeline writes to.
type RecordStore interface {
	Insert(ctx context.Context, r *expertise.Record) (string, error)
	Get(ctx context.Context, id string) (*expertise.Record, error)
	ValidateRecord(ctx context.Context, id string) error
}

// Index is the part of the embedding index used for dedup.
type Index interface {
	Add(ctx context.Context, rec *expertise.Record) error
	Search(ctx context.Context, text string, limit int, minSimilarity float64) ([]vectorindex.Match, error)
}

// ProvenanceRecorder links records to their source conversation.
type ProvenanceRecorder interface {
	RecordExtraction(ctx context.Context, rec *expertise.Record, conversationID, agent string) (string, error)
}

// Redactor strips secrets from text.
type Redactor interface {
	Scrub(text string) secrets.Result
}

// Config configures a Pipeline. Nil thresholds and lengths take their
// defaults; an explicit zero is kept.
type Config struct {
	Mode                     Mode
	DedupSimilarityThreshold *float64
	DedupFlagThreshold       *float64
	MinTextLength            *int
	DefaultDomain            string
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeHeuristicOnly
	}
	if c.DedupSimilarityThreshold == nil {
		c.DedupSimilarityThreshold = Float64(DefaultDedupSimilarityThreshold)
	}
	if c.DedupFlagThreshold == nil {
		c.DedupFlagThreshold = Float64(DefaultDedupFlagThreshold)
	}
	if c.MinTextLength == nil {
		c.MinTextLength = Int(DefaultMinTextLength)
	}
	if c.DefaultDomain == "" {
		c.DefaultDomain = DefaultDomain
	}
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	c.applyDefaults()
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	sim, flag := *c.DedupSimilarityThreshold, *c.DedupFlagThreshold
	if flag < 0 || sim > 1 || flag > sim {
		return expertise.NewValidationError("dedup_flag_threshold",
			fmt.Sprintf("need 0 <= flag (%v) <= similarity (%v) <= 1", flag, sim))
	}
	if *c.MinTextLength < 0 {
		return expertise.NewValidationError("min_text_length", "cannot be negative")
	}
	return nil
}

// Pipeline runs extractors and deduplicates their output.
type Pipeline struct {
	cfg        Config
	store      RecordStore
	index      Index
	heuristic  Extractor
	llm        Extractor
	redactor   Redactor
	provenance ProvenanceRecorder
	tags       *TagExtractor
	logger     *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithIndex enables embedding dedup.
func WithIndex(idx Index) Option {
	return func(p *Pipeline) { p.index = idx }
}

// WithHeuristic replaces the default heuristic extractor.
func WithHeuristic(e Extractor) Option {
	return func(p *Pipeline) { p.heuristic = e }
}

// WithLLM sets the extractor used by llm_only and full modes.
func WithLLM(e Extractor) Option {
	return func(p *Pipeline) { p.llm = e }
}

// WithRedactor scrubs text before extraction.
func WithRedactor(r Redactor) Option {
	return func(p *Pipeline) { p.redactor = r }
}

// WithProvenance records DERIVED_FROM edges for created and reinforced records.
func WithProvenance(r ProvenanceRecorder) Option {
	return func(p *Pipeline) { p.provenance = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline writing to store.
func NewPipeline(store RecordStore, cfg Config, opts ...Option) (*Pipeline, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:    cfg,
		store:  store,
		tags:   NewTagExtractor(nil),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.heuristic == nil {
		h, err := NewHeuristicExtractor(HeuristicConfig{})
		if err != nil {
			return nil, err
		}
		p.heuristic = h
	}
	return p, nil
}

// Request is one text to extract from.
type Request struct {
	Text           string
	Domain         string
	Project        string
	ConversationID string
	Agent          string
	// Mode overrides the pipeline default when set.
	Mode Mode
}

// Extract runs the extractors for req and deduplicates every candidate.
func (p *Pipeline) Extract(ctx context.Context, req Request) ([]Outcome, error) {
	outcomes, _, err := p.extract(ctx, req)
	return outcomes, err
}

func (p *Pipeline) extract(ctx context.Context, req Request) ([]Outcome, int, error) {
	mode := req.Mode
	if mode == "" {
		mode = p.cfg.Mode
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, 0, err
	}
	start := time.Now()
	defer func() { extractDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds()) }()

	text := req.Text
	redactions := 0
	if p.redactor != nil {
		res := p.redactor.Scrub(text)
		text = res.Text
		redactions = len(res.Findings)
	}

	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		domain = InferDomain(p.tags.ExtractTags(text))
	}
	if domain == "" {
		domain = p.cfg.DefaultDomain
	}

	candidates, err := p.runExtractors(ctx, mode, text, domain, req.Project)
	if err != nil {
		return nil, redactions, err
	}

	outcomes := make([]Outcome, 0, len(candidates))
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return outcomes, redactions, err
		}
		cand.SourceConversationID = req.ConversationID
		cand.SourceAgent = req.Agent
		out, err := p.dedup(ctx, cand)
		if err != nil {
			return outcomes, redactions, err
		}
		recordsTotal.WithLabelValues(string(out.Action), string(cand.Type)).Inc()
		p.recordProvenance(ctx, out, req)
		outcomes = append(outcomes, out)
	}
	return outcomes, redactions, nil
}

func (p *Pipeline) runExtractors(ctx context.Context, mode Mode, text, domain, project string) ([]*expertise.Record, error) {
	var out []*expertise.Record
	if mode == ModeHeuristicOnly || mode == ModeFull {
		recs, err := p.heuristic.Extract(ctx, text, domain, project)
		if err != nil {
			return nil, fmt.Errorf("heuristic extraction: %w", err)
		}
		out = append(out, recs...)
	}
	if mode == ModeLLMOnly || mode == ModeFull {
		if p.llm == nil {
			p.logger.Warn("llm extraction requested but no LLM is configured", zap.String("mode", string(mode)))
			return out, nil
		}
		recs, err := p.llm.Extract(ctx, text, domain, project)
		if err != nil {
			p.logger.Warn("llm extraction failed", zap.Error(err))
			return out, nil
		}
		out = append(out, recs...)
	}
	return out, nil
}

// dedup decides the action for one candidate and applies it.
func (p *Pipeline) dedup(ctx context.Context, cand *expertise.Record) (Outcome, error) {
	existing, similarity, err := p.closestActive(ctx, cand.Content)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case existing != nil && similarity >= *p.cfg.DedupSimilarityThreshold:
		if err := p.store.ValidateRecord(ctx, existing.ID); err != nil {
			return Outcome{}, fmt.Errorf("reinforcing %s: %w", existing.ID, err)
		}
		existing.ValidationCount++
		return Outcome{Action: ActionReinforced, Record: existing, ExistingID: existing.ID, Similarity: similarity}, nil

	case existing != nil && similarity >= *p.cfg.DedupFlagThreshold:
		return Outcome{Action: ActionDuplicateFlagged, Record: cand, ExistingID: existing.ID, Similarity: similarity}, nil
	}

	if _, err := p.store.Insert(ctx, cand); err != nil {
		return Outcome{}, fmt.Errorf("inserting record: %w", err)
	}
	if p.index != nil {
		if err := p.index.Add(ctx, cand); err != nil {
			p.logger.Warn("indexing new record failed; run reindex", zap.String("record_id", cand.ID), zap.Error(err))
		}
	}
	return Outcome{Action: ActionCreated, Record: cand, Similarity: similarity}, nil
}

// closestActive returns the most similar active record at or above the flag
// threshold. Index failures are logged and treated as no match.
func (p *Pipeline) closestActive(ctx context.Context, content string) (*expertise.Record, float64, error) {
	if p.index == nil {
		return nil, 0, nil
	}
	matches, err := p.index.Search(ctx, content, dedupNeighbors, *p.cfg.DedupFlagThreshold)
	if err != nil {
		p.logger.Warn("dedup search failed", zap.Error(err))
		return nil, 0, nil
	}
	for _, m := range matches {
		rec, err := p.store.Get(ctx, m.RecordID)
		if err != nil {
			return nil, 0, fmt.Errorf("loading %s: %w", m.RecordID, err)
		}
		if rec == nil || !rec.IsActive {
			continue
		}
		return rec, m.Score, nil
	}
	return nil, 0, nil
}

func (p *Pipeline) recordProvenance(ctx context.Context, out Outcome, req Request) {
	if p.provenance == nil || req.ConversationID == "" {
		return
	}
	if out.Action != ActionCreated && out.Action != ActionReinforced {
		return
	}
	if _, err := p.provenance.RecordExtraction(ctx, out.Record, req.ConversationID, req.Agent); err != nil {
		p.logger.Warn("recording provenance failed",
			zap.String("record_id", out.Record.ID),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
	}
}

// ExtractBatch extracts from each conversation. Short texts are skipped and
// failures, including panics, are collected per conversation. The returned
// error is non-nil only when ctx is cancelled; stats then cover the
// conversations handled so far.
func (p *Pipeline) ExtractBatch(ctx context.Context, convs []Conversation, mode Mode, defaultDomain string) (ExtractionStats, error) {
	stats := newStats()
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return *stats, err
		}
		if len(strings.TrimSpace(conv.FullText)) < *p.cfg.MinTextLength {
			stats.Skipped++
			conversationsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		outcomes, redactions, err := p.safeExtract(ctx, Request{
			Text:           conv.FullText,
			Domain:         defaultDomain,
			Project:        conv.ProjectID,
			ConversationID: conv.ID,
			Agent:          conv.Agent,
			Mode:           mode,
		})
		stats.Redactions += redactions
		stats.add(outcomes)
		if err != nil {
			if ctx.Err() != nil {
				return *stats, ctx.Err()
			}
			stats.Errors = append(stats.Errors, ItemError{ConversationID: conv.ID, Error: err.Error()})
			conversationsTotal.WithLabelValues("failed").Inc()
			p.logger.Warn("conversation extraction failed", zap.String("conversation_id", conv.ID), zap.Error(err))
			continue
		}
		stats.Processed++
		conversationsTotal.WithLabelValues("processed").Inc()
	}

	p.logger.Info("batch extraction complete",
		zap.Int("processed", stats.Processed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("created", stats.Created),
		zap.Int("reinforced", stats.Reinforced),
		zap.Int("flagged", stats.Flagged),
		zap.Int("errors", len(stats.Errors)),
	)
	return *stats, nil
}

func (p *Pipeline) safeExtract(ctx context.Context, req Request) (outcomes []Outcome, redactions int, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("extractor panicked",
				zap.String("conversation_id", req.ConversationID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return p.extract(ctx, req)
}
