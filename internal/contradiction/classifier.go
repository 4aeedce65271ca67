package contradiction

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Scores is a three-way NLI distribution.
type Scores struct {
	Contradiction float64 `json:"contradiction"`
	Entailment    float64 `json:"entailment"`
	Neutral       float64 `json:"neutral"`
}

// Classifier scores a premise/hypothesis pair.
type Classifier interface {
	ClassifyPair(ctx context.Context, a, b string) (Scores, error)
}

// Loader produces a classifier or reports that none is reachable.
type Loader func(ctx context.Context) (Classifier, error)

// LazyClassifier defers loading until first use and caches the outcome for
// its lifetime. A failed load is never retried.
type LazyClassifier struct {
	load   Loader
	logger *zap.Logger

	once       sync.Once
	classifier Classifier
}

// NewLazyClassifier wraps load. A nil loader is permanently unavailable.
func NewLazyClassifier(load Loader, logger *zap.Logger) *LazyClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LazyClassifier{load: load, logger: logger}
}

// Static wraps an already constructed classifier.
func Static(c Classifier) *LazyClassifier {
	return NewLazyClassifier(func(context.Context) (Classifier, error) { return c, nil }, nil)
}

// Get returns the classifier, loading it on the first call. The second return
// is false when no classifier is available.
func (l *LazyClassifier) Get(ctx context.Context) (Classifier, bool) {
	if l == nil {
		return nil, false
	}
	l.once.Do(func() {
		if l.load == nil {
			return
		}
		c, err := l.load(ctx)
		if err != nil {
			l.logger.Info("nli classifier unavailable; contradiction detection is similarity only", zap.Error(err))
			return
		}
		l.classifier = c
	})
	return l.classifier, l.classifier != nil
}
