package contradiction

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/store"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

type fakeSearcher struct {
	matches []vectorindex.Match
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ string, limit int, minSim float64) ([]vectorindex.Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []vectorindex.Match
	for _, m := range f.matches {
		if m.Score >= minSim && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeClassifier struct {
	mu     sync.Mutex
	scores map[string]Scores
	err    error
	calls  int
}

func (f *fakeClassifier) ClassifyPair(_ context.Context, a, b string) (Scores, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Scores{}, f.err
	}
	return f.scores[b], nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s *store.Store, content string) *expertise.Record {
	t.Helper()
	r, err := expertise.NewRecord(expertise.TypeConvention, "style", content, 0.8)
	require.NoError(t, err)
	_, err = s.Insert(context.Background(), r)
	require.NoError(t, err)
	return r
}

func TestDetector_TabsEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	always := insert(t, s, "always use tabs")
	never := insert(t, s, "never use tabs")

	idx := &fakeSearcher{matches: []vectorindex.Match{
		{RecordID: always.ID, Score: 1.0},
		{RecordID: never.ID, Score: 0.85},
	}}
	cls := &fakeClassifier{scores: map[string]Scores{
		"never use tabs": {Contradiction: 0.90, Entailment: 0.05, Neutral: 0.05},
	}}

	d := NewDetector(s, idx, Static(cls), Config{}, nil)
	cands, err := d.CheckRecord(ctx, always)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, always.ID, c.RecordID)
	assert.Equal(t, never.ID, c.OtherID)
	assert.InDelta(t, 0.85, c.Similarity, 1e-9)
	assert.True(t, c.NLIAvailable)
	require.NotNil(t, c.ContradictionScore)
	assert.InDelta(t, 0.90, *c.ContradictionScore, 1e-9)
}

func TestDetector_StageOneFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	self := insert(t, s, "always use tabs")
	close1 := insert(t, s, "prefer tabs")
	gone := insert(t, s, "tabs are required")
	require.NoError(t, s.SoftDelete(ctx, gone.ID))
	far := insert(t, s, "deploy on friday")

	idx := &fakeSearcher{matches: []vectorindex.Match{
		{RecordID: self.ID, Score: 1.0},
		{RecordID: close1.ID, Score: 0.9},
		{RecordID: gone.ID, Score: 0.88},
		{RecordID: "missing", Score: 0.87},
		{RecordID: far.ID, Score: 0.2},
	}}

	d := NewDetector(s, idx, nil, Config{}, nil)
	assert.False(t, d.NLIAvailable(ctx))

	cands, err := d.CheckRecord(ctx, self)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, close1.ID, cands[0].OtherID)
	assert.False(t, cands[0].NLIAvailable)
	assert.Nil(t, cands[0].ContradictionScore)
}

func TestDetector_StageTwoDropsLowScores(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := insert(t, s, "always use tabs")
	b := insert(t, s, "prefer tabs")

	idx := &fakeSearcher{matches: []vectorindex.Match{{RecordID: b.ID, Score: 0.9}}}
	cls := &fakeClassifier{scores: map[string]Scores{"prefer tabs": {Contradiction: 0.1, Entailment: 0.85}}}

	cands, err := NewDetector(s, idx, Static(cls), Config{}, nil).CheckRecord(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestDetector_ClassifierFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := insert(t, s, "always use tabs")
	b := insert(t, s, "never use tabs")

	idx := &fakeSearcher{matches: []vectorindex.Match{{RecordID: b.ID, Score: 0.85}}}
	cls := &fakeClassifier{err: errors.New("model timeout")}

	cands, err := NewDetector(s, idx, Static(cls), Config{}, nil).CheckRecord(ctx, a)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.False(t, cands[0].NLIAvailable)
	assert.Nil(t, cands[0].ContradictionScore)
}

func TestDetector_IndexFailurePropagates(t *testing.T) {
	s := newTestStore(t)
	a := insert(t, s, "always use tabs")
	d := NewDetector(s, &fakeSearcher{err: expertise.ErrUnavailable}, nil, Config{}, nil)
	_, err := d.CheckRecord(context.Background(), a)
	assert.ErrorIs(t, err, expertise.ErrUnavailable)
}

func TestLazyClassifier_ProbesOnce(t *testing.T) {
	ctx := context.Background()
	loads := 0
	lazy := NewLazyClassifier(func(context.Context) (Classifier, error) {
		loads++
		return nil, expertise.ErrUnavailable
	}, nil)

	for i := 0; i < 3; i++ {
		_, ok := lazy.Get(ctx)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, loads)

	var nilLazy *LazyClassifier
	_, ok := nilLazy.Get(ctx)
	assert.False(t, ok)
}

func TestNLIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/predict":
			_, _ = w.Write([]byte(`[[{"label":"CONTRADICTION","score":0.91},{"label":"ENTAILMENT","score":0.04},{"label":"NEUTRAL","score":0.05}]]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewNLIClient(NLIConfig{BaseURL: srv.URL + "/", APIKey: "k"})
	require.NoError(t, err)

	lazy := NewLazyClassifier(c.Loader(), nil)
	cls, ok := lazy.Get(context.Background())
	require.True(t, ok)

	scores, err := cls.ClassifyPair(context.Background(), "always use tabs", "never use tabs")
	require.NoError(t, err)
	assert.InDelta(t, 0.91, scores.Contradiction, 1e-9)
	assert.InDelta(t, 0.04, scores.Entailment, 1e-9)
	assert.InDelta(t, 0.05, scores.Neutral, 1e-9)
}

func TestNLIClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewNLIClient(NLIConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Ping(context.Background()), expertise.ErrUnavailable)
	_, err = c.ClassifyPair(context.Background(), "a", "b")
	assert.ErrorIs(t, err, expertise.ErrUnavailable)

	_, ok := NewLazyClassifier(c.Loader(), nil).Get(context.Background())
	assert.False(t, ok)

	_, err = NewNLIClient(NLIConfig{})
	assert.ErrorIs(t, err, expertise.ErrValidation)
}

func TestParsePrediction(t *testing.T) {
	s, err := parsePrediction([]byte(`[{"label":"neutral","score":0.7},{"label":"contradiction","score":0.2}]`))
	require.NoError(t, err)
	assert.InDelta(t, 0.2, s.Contradiction, 1e-9)
	assert.InDelta(t, 0.7, s.Neutral, 1e-9)

	_, err = parsePrediction([]byte(`[{"label":"POSITIVE","score":1}]`))
	assert.Error(t, err)

	_, err = parsePrediction([]byte(`not json`))
	assert.Error(t, err)
}
