package staleness

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// Defaults for Config.
const (
	DefaultThreshold          = 0.7
	DefaultMinAgeDays         = 30
	DefaultMinValidationCount = 1
	DefaultBatchSize          = 500
)

// Skip reasons reported in PruneResult.Skipped.
const (
	ReasonTooYoung     = "younger than min_age_days"
	ReasonUnderCount   = "validation_count below min_validation_count"
	ReasonExcludedType = "type is excluded"
)

var prunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "expertd_staleness_pruned_total",
	Help: "Records deactivated by pruning, by type",
}, []string{"type"})

// RecordStore is the part of the record store the manager reads and prunes.
type RecordStore interface {
	Query(ctx context.Context, f expertise.Filter) ([]*expertise.Record, error)
	BulkSoftDelete(ctx context.Context, ids []string) (int, error)
}

// Config configures a Manager.
type Config struct {
	// Threshold is the default staleness threshold. Nil means DefaultThreshold.
	Threshold          *float64
	MinAgeDays         int
	MinValidationCount int
	ExcludeTypes       []expertise.RecordType
	BatchSize          int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:          Float64(DefaultThreshold),
		MinAgeDays:         DefaultMinAgeDays,
		MinValidationCount: DefaultMinValidationCount,
		BatchSize:          DefaultBatchSize,
	}
}

// ProgressFunc reports how many records have been evaluated so far.
type ProgressFunc func(evaluated int)

// Scored is a record with its staleness score.
type Scored struct {
	Record *expertise.Record `json:"record"`
	Score  float64           `json:"score"`
}

// Entry summarizes one record in a PruneResult.
type Entry struct {
	RecordID        string               `json:"record_id"`
	Type            expertise.RecordType `json:"type"`
	Domain          string               `json:"domain"`
	Content         string               `json:"content"`
	Score           float64              `json:"score"`
	AgeDays         float64              `json:"age_days"`
	ValidationCount int                  `json:"validation_count"`
	Reason          string               `json:"reason,omitempty"`
}

// PruneResult reports a prune run.
type PruneResult struct {
	Pruned         []Entry `json:"pruned"`
	Skipped        []Entry `json:"skipped"`
	TotalEvaluated int     `json:"total_evaluated"`
	DryRun         bool    `json:"dry_run"`
}

// Manager scores and prunes records.
type Manager struct {
	store    RecordStore
	cfg      Config
	excluded map[expertise.RecordType]bool
	progress ProgressFunc
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgress reports evaluation progress once per page.
func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) { m.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// NewManager creates a manager. A nil Threshold or zero BatchSize takes its
// default; the age and count gates are used as given.
func NewManager(store RecordStore, cfg Config, opts ...Option) *Manager {
	if cfg.Threshold == nil {
		cfg.Threshold = Float64(DefaultThreshold)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MinAgeDays < 0 {
		cfg.MinAgeDays = 0
	}
	excluded := make(map[expertise.RecordType]bool, len(cfg.ExcludeTypes))
	for _, t := range cfg.ExcludeTypes {
		excluded[t] = true
	}
	m := &Manager{store: store, cfg: cfg, excluded: excluded, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the configured default threshold.
func (m *Manager) Threshold() float64 {
	return *m.cfg.Threshold
}

// GetStaleRecords returns active records scoring at or above threshold,
// most stale first. An empty domain covers all domains.
func (m *Manager) GetStaleRecords(ctx context.Context, threshold float64, domain string) ([]Scored, error) {
	now := timeNow()
	var out []Scored
	err := m.each(ctx, domain, func(rec *expertise.Record) {
		if score := ScoreAt(rec, now); score >= threshold {
			out = append(out, Scored{Record: rec, Score: score})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// CountStale returns how many active records score at or above threshold.
func (m *Manager) CountStale(ctx context.Context, threshold float64) (int, error) {
	now := timeNow()
	n := 0
	err := m.each(ctx, "", func(rec *expertise.Record) {
		if ScoreAt(rec, now) >= threshold {
			n++
		}
	})
	return n, err
}

// Prune deactivates stale records that pass the age, validation and type
// gates. Stale records failing a gate are listed as skipped. With dryRun
// nothing is deactivated.
func (m *Manager) Prune(ctx context.Context, threshold float64, dryRun bool) (*PruneResult, error) {
	now := timeNow()
	res := &PruneResult{Pruned: []Entry{}, Skipped: []Entry{}, DryRun: dryRun}

	err := m.each(ctx, "", func(rec *expertise.Record) {
		res.TotalEvaluated++
		score := ScoreAt(rec, now)
		if score < threshold {
			return
		}
		entry := Entry{
			RecordID:        rec.ID,
			Type:            rec.Type,
			Domain:          rec.Domain,
			Content:         rec.Content,
			Score:           score,
			AgeDays:         AgeDays(rec.CreatedAt, now),
			ValidationCount: rec.ValidationCount,
		}
		switch {
		case m.excluded[rec.Type]:
			entry.Reason = ReasonExcludedType
		case entry.AgeDays < float64(m.cfg.MinAgeDays):
			entry.Reason = ReasonTooYoung
		case rec.ValidationCount < m.cfg.MinValidationCount:
			entry.Reason = ReasonUnderCount
		}
		if entry.Reason != "" {
			res.Skipped = append(res.Skipped, entry)
			return
		}
		res.Pruned = append(res.Pruned, entry)
	})
	if err != nil {
		return nil, err
	}

	if !dryRun {
		if err := m.deactivate(ctx, res.Pruned); err != nil {
			return res, err
		}
	}

	m.logger.Info("prune complete",
		zap.Int("evaluated", res.TotalEvaluated),
		zap.Int("pruned", len(res.Pruned)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Bool("dry_run", dryRun),
		zap.Float64("threshold", threshold),
	)
	return res, nil
}

// deactivate soft deletes in BatchSize chunks. Evaluation finishes first so
// that deactivation never shifts the pages still being read.
func (m *Manager) deactivate(ctx context.Context, entries []Entry) error {
	for start := 0; start < len(entries); start += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := entries[start:min(start+m.cfg.BatchSize, len(entries))]
		ids := make([]string, len(chunk))
		for i, e := range chunk {
			ids[i] = e.RecordID
		}
		if _, err := m.store.BulkSoftDelete(ctx, ids); err != nil {
			return fmt.Errorf("pruning records: %w", err)
		}
		for _, e := range chunk {
			prunedTotal.WithLabelValues(string(e.Type)).Inc()
		}
	}
	return nil
}

// each visits active records page by page, checking ctx between pages.
func (m *Manager) each(ctx context.Context, domain string, fn func(*expertise.Record)) error {
	evaluated := 0
	for offset := 0; ; offset += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := m.store.Query(ctx, expertise.Filter{Domain: domain, Limit: m.cfg.BatchSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("loading records: %w", err)
		}
		for _, rec := range page {
			fn(rec)
		}
		evaluated += len(page)
		if m.progress != nil && len(page) > 0 {
			m.progress(evaluated)
		}
		if len(page) < m.cfg.BatchSize {
			return nil
		}
	}
}
