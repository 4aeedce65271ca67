package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

func newHeuristic(t *testing.T) *HeuristicExtractor {
	t.Helper()
	h, err := NewHeuristicExtractor(HeuristicConfig{})
	require.NoError(t, err)
	return h
}

func TestHeuristicExtractor_Types(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantType expertise.RecordType
	}{
		{name: "boundary", text: "You must never push directly to the main branch.", wantType: expertise.TypeBoundary},
		{name: "failure", text: "The nightly import crashed because the pool ran dry.", wantType: expertise.TypeFailure},
		{name: "decision", text: "We decided to use sqlite for the local cache.", wantType: expertise.TypeDecision},
		{name: "convention", text: "Always wrap errors with the calling operation name.", wantType: expertise.TypeConvention},
		{name: "pattern", text: "When a handler needs retries, wrap it in the backoff helper.", wantType: expertise.TypePattern},
		{name: "insight", text: "Turns out the linter caches results between runs.", wantType: expertise.TypeInsight},
	}

	h := newHeuristic(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := h.Extract(context.Background(), tt.text, "backend", "proj")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, tt.wantType, recs[0].Type)
			assert.Equal(t, "backend", recs[0].Domain)
			assert.Equal(t, "proj", recs[0].Project)
			assert.True(t, recs[0].IsActive)
			assert.GreaterOrEqual(t, recs[0].Confidence, 0.5)
		})
	}
}

func TestHeuristicExtractor_NoSignal(t *testing.T) {
	h := newHeuristic(t)
	recs, err := h.Extract(context.Background(), "The weather was nice today. We had lunch outside.", "misc", "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHeuristicExtractor_FailureResolution(t *testing.T) {
	h := newHeuristic(t)
	text := "The deploy to production crashed during the migration. The fix was to run migrations before the rollout. Unrelated chatter follows here."
	recs, err := h.Extract(context.Background(), text, "ops", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, expertise.TypeFailure, rec.Type)
	assert.Equal(t, "The fix was to run migrations before the rollout.", rec.Resolution)
	assert.Equal(t, expertise.SeverityHigh, rec.Severity)
}

func TestHeuristicExtractor_DecisionDetails(t *testing.T) {
	h := newHeuristic(t)
	recs, err := h.Extract(context.Background(), "We decided to use chromem instead of qdrant because it runs in process.", "storage", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, expertise.TypeDecision, recs[0].Type)
	assert.Equal(t, "it runs in process.", recs[0].Rationale)
	assert.Equal(t, []string{"qdrant"}, recs[0].AlternativesConsidered)
}

func TestHeuristicExtractor_SeverityAndTags(t *testing.T) {
	h := newHeuristic(t)
	recs, err := h.Extract(context.Background(), "Never commit credentials to the repository.", "security", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, expertise.TypeBoundary, recs[0].Type)
	assert.Equal(t, expertise.SeverityCritical, recs[0].Severity)
	assert.Contains(t, recs[0].Tags, "security")
}

func TestHeuristicExtractor_DuplicateSentences(t *testing.T) {
	h := newHeuristic(t)
	text := "Always use tabs for indentation. always use tabs for indentation."
	recs, err := h.Extract(context.Background(), text, "style", "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNewHeuristicExtractor_InvalidSignal(t *testing.T) {
	_, err := NewHeuristicExtractor(HeuristicConfig{Signals: []Signal{{Type: "BOGUS", Name: "x", Regex: "x", Weight: 1}}})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	_, err = NewHeuristicExtractor(HeuristicConfig{Signals: []Signal{{Type: expertise.TypeInsight, Name: "x", Regex: "(", Weight: 1}}})
	assert.ErrorIs(t, err, expertise.ErrValidation)
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("One thing. Two things!\n\nThree? four")
	assert.Equal(t, []string{"One thing.", "Two things!", "Three?", "four"}, got)
}

func TestTagExtractor(t *testing.T) {
	tx := NewTagExtractor(nil)
	assert.Equal(t, []string{"database", "testing"}, tx.ExtractTags("Run the SQL migration tests first"))
	assert.Empty(t, tx.ExtractTags("nothing relevant here"))
	// "rest" must not match inside "interesting".
	assert.NotContains(t, tx.ExtractTags("an interesting result"), "api")

	assert.Equal(t, "database", InferDomain([]string{"testing", "database"}))
	assert.Equal(t, "zzz", InferDomain([]string{"zzz"}))
	assert.Equal(t, "", InferDomain(nil))
}
