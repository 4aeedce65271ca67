package contradiction

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

// Defaults for Config.
const (
	DefaultSimilarityThreshold    = 0.75
	DefaultContradictionThreshold = 0.70
	DefaultMaxCandidates          = 10
)

var candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "expertd_contradiction_candidates_total",
	Help: "Contradiction candidates by outcome (similar, contradiction, dropped, fallback)",
}, []string{"outcome"})

// RecordGetter loads records by id, returning nil for a missing id.
type RecordGetter interface {
	Get(ctx context.Context, id string) (*expertise.Record, error)
}

// Searcher finds records similar to a text.
type Searcher interface {
	Search(ctx context.Context, text string, limit int, minSimilarity float64) ([]vectorindex.Match, error)
}

// Candidate is a possible contradiction between RecordID and OtherID.
type Candidate struct {
	RecordID   string  `json:"record_id"`
	OtherID    string  `json:"other_id"`
	Similarity float64 `json:"similarity"`
	// ContradictionScore is set only when the classifier scored the pair.
	ContradictionScore *float64 `json:"contradiction_score,omitempty"`
	NLIAvailable       bool     `json:"nli_available"`
}

// Config configures a Detector.
type Config struct {
	SimilarityThreshold    float64
	ContradictionThreshold float64
	MaxCandidates          int
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.ContradictionThreshold == 0 {
		c.ContradictionThreshold = DefaultContradictionThreshold
	}
	if c.MaxCandidates == 0 {
		c.MaxCandidates = DefaultMaxCandidates
	}
}

// Detector runs the two-stage check.
type Detector struct {
	cfg        Config
	store      RecordGetter
	index      Searcher
	classifier *LazyClassifier
	logger     *zap.Logger
}

// NewDetector creates a detector. A nil classifier means similarity only.
func NewDetector(store RecordGetter, index Searcher, classifier *LazyClassifier, cfg Config, logger *zap.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, store: store, index: index, classifier: classifier, logger: logger}
}

// NLIAvailable reports whether stage two will run, probing on first use.
func (d *Detector) NLIAvailable(ctx context.Context) bool {
	_, ok := d.classifier.Get(ctx)
	return ok
}

// CheckRecord returns the records that may contradict rec. Index and store
// failures are returned; classifier failures are not.
func (d *Detector) CheckRecord(ctx context.Context, rec *expertise.Record) ([]Candidate, error) {
	if rec == nil {
		return nil, expertise.NewValidationError("record", "required")
	}

	similar, err := d.similar(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(similar) == 0 {
		return nil, nil
	}

	classifier, ok := d.classifier.Get(ctx)
	if !ok {
		out := make([]Candidate, len(similar))
		for i, n := range similar {
			out[i] = n.Candidate
		}
		return out, nil
	}

	out := make([]Candidate, 0, len(similar))
	for _, n := range similar {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cand := n.Candidate
		scores, err := classifier.ClassifyPair(ctx, rec.Content, n.other.Content)
		if err != nil {
			d.logger.Warn("nli classification failed; keeping similarity candidate",
				zap.String("record_id", rec.ID),
				zap.String("other_id", cand.OtherID),
				zap.Error(err),
			)
			candidatesTotal.WithLabelValues("fallback").Inc()
			out = append(out, cand)
			continue
		}
		if scores.Contradiction < d.cfg.ContradictionThreshold {
			candidatesTotal.WithLabelValues("dropped").Inc()
			continue
		}
		score := scores.Contradiction
		cand.ContradictionScore = &score
		cand.NLIAvailable = true
		candidatesTotal.WithLabelValues("contradiction").Inc()
		out = append(out, cand)
	}
	return out, nil
}

type neighbor struct {
	Candidate
	other *expertise.Record
}

// similar is stage one.
func (d *Detector) similar(ctx context.Context, rec *expertise.Record) ([]neighbor, error) {
	// One extra neighbor because the record usually finds itself.
	matches, err := d.index.Search(ctx, rec.Content, d.cfg.MaxCandidates+1, d.cfg.SimilarityThreshold)
	if err != nil {
		return nil, fmt.Errorf("searching neighbors of %s: %w", rec.ID, err)
	}

	var out []neighbor
	for _, m := range matches {
		if m.RecordID == rec.ID {
			continue
		}
		other, err := d.store.Get(ctx, m.RecordID)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", m.RecordID, err)
		}
		if other == nil || !other.IsActive {
			continue
		}
		out = append(out, neighbor{
			Candidate: Candidate{RecordID: rec.ID, OtherID: m.RecordID, Similarity: m.Score},
			other:     other,
		})
		candidatesTotal.WithLabelValues("similar").Inc()
		if len(out) == d.cfg.MaxCandidates {
			break
		}
	}
	return out, nil
}
