package extraction

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/secrets"
	"github.com/fyrsmithlabs/expertd/internal/store"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

// fakeIndex returns the same matches for every query.
type fakeIndex struct {
	matches   []vectorindex.Match
	searchErr error
	added     []string
}

func (f *fakeIndex) Add(_ context.Context, rec *expertise.Record) error {
	f.added = append(f.added, rec.ID)
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, limit int, minSim float64) ([]vectorindex.Match, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []vectorindex.Match
	for _, m := range f.matches {
		if m.Score >= minSim && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

type provenanceCall struct {
	recordID, conversationID, agent string
}

type fakeProvenance struct {
	calls []provenanceCall
}

func (f *fakeProvenance) RecordExtraction(_ context.Context, rec *expertise.Record, conversationID, agent string) (string, error) {
	f.calls = append(f.calls, provenanceCall{rec.ID, conversationID, agent})
	return "edge-" + rec.ID, nil
}

type staticExtractor struct {
	records func(domain, project string) []*expertise.Record
}

func (s staticExtractor) Extract(_ context.Context, text, domain, project string) ([]*expertise.Record, error) {
	if strings.Contains(text, "PANIC") {
		panic("extractor exploded")
	}
	if strings.Contains(text, "FAIL") {
		return nil, errors.New("extractor failed")
	}
	return s.records(domain, project), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRecord(t *testing.T, s *store.Store, content string) *expertise.Record {
	t.Helper()
	r, err := expertise.NewRecord(expertise.TypeConvention, "style", content, 0.8)
	require.NoError(t, err)
	_, err = s.Insert(context.Background(), r)
	require.NoError(t, err)
	return r
}

const tabsText = "Always use tabs for indentation in this repository."

func TestPipeline_CreatesWithoutIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, err := NewPipeline(s, Config{})
	require.NoError(t, err)

	outs, err := p.Extract(ctx, Request{Text: tabsText, Domain: "style"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, ActionCreated, outs[0].Action)

	got, err := s.Get(ctx, outs[0].Record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, expertise.TypeConvention, got.Type)
	assert.Equal(t, "style", got.Domain)
}

func TestPipeline_Dedup(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		wantAction Action
		wantCount  int
		wantVC     int
	}{
		{name: "reinforce above similarity threshold", score: 0.97, wantAction: ActionReinforced, wantCount: 1, wantVC: 2},
		{name: "reinforce exactly at threshold", score: 0.95, wantAction: ActionReinforced, wantCount: 1, wantVC: 2},
		{name: "flag between thresholds", score: 0.85, wantAction: ActionDuplicateFlagged, wantCount: 1, wantVC: 1},
		{name: "create below flag threshold", score: 0.5, wantAction: ActionCreated, wantCount: 2, wantVC: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t)
			existing := seedRecord(t, s, "Always indent with tabs.")
			idx := &fakeIndex{matches: []vectorindex.Match{{RecordID: existing.ID, Score: tt.score}}}

			p, err := NewPipeline(s, Config{}, WithIndex(idx))
			require.NoError(t, err)

			outs, err := p.Extract(ctx, Request{Text: tabsText, Domain: "style"})
			require.NoError(t, err)
			require.Len(t, outs, 1)
			assert.Equal(t, tt.wantAction, outs[0].Action)

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, n)

			got, err := s.Get(ctx, existing.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVC, got.ValidationCount)

			switch tt.wantAction {
			case ActionCreated:
				assert.Equal(t, []string{outs[0].Record.ID}, idx.added)
				assert.Empty(t, outs[0].ExistingID)
			default:
				assert.Equal(t, existing.ID, outs[0].ExistingID)
				assert.InDelta(t, tt.score, outs[0].Similarity, 1e-9)
				assert.Empty(t, idx.added)
			}
		})
	}
}

func TestPipeline_DedupSkipsInactiveMatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	gone := seedRecord(t, s, "Always indent with tabs.")
	require.NoError(t, s.SoftDelete(ctx, gone.ID))
	live := seedRecord(t, s, "Indent using tabs.")

	idx := &fakeIndex{matches: []vectorindex.Match{
		{RecordID: gone.ID, Score: 0.99},
		{RecordID: "vanished", Score: 0.98},
		{RecordID: live.ID, Score: 0.96},
	}}
	p, err := NewPipeline(s, Config{}, WithIndex(idx))
	require.NoError(t, err)

	outs, err := p.Extract(ctx, Request{Text: tabsText, Domain: "style"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, ActionReinforced, outs[0].Action)
	assert.Equal(t, live.ID, outs[0].ExistingID)
}

func TestPipeline_SearchFailureCreates(t *testing.T) {
	s := newTestStore(t)
	idx := &fakeIndex{searchErr: expertise.ErrUnavailable}
	p, err := NewPipeline(s, Config{}, WithIndex(idx))
	require.NoError(t, err)

	outs, err := p.Extract(context.Background(), Request{Text: tabsText, Domain: "style"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, ActionCreated, outs[0].Action)
}

func TestPipeline_InfersDomain(t *testing.T) {
	s := newTestStore(t)
	p, err := NewPipeline(s, Config{})
	require.NoError(t, err)

	outs, err := p.Extract(context.Background(), Request{Text: "We decided to use sqlite for the local database."})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "database", outs[0].Record.Domain)

	outs, err = p.Extract(context.Background(), Request{Text: "Remember this about the quarterly planning meeting."})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, DefaultDomain, outs[0].Record.Domain)
}

func TestPipeline_LLMOnlyDegrades(t *testing.T) {
	s := newTestStore(t)
	llm := NewLLMExtractor(&fakeLLM{err: expertise.ErrUnavailable}, nil)
	p, err := NewPipeline(s, Config{Mode: ModeLLMOnly}, WithLLM(llm))
	require.NoError(t, err)

	outs, err := p.Extract(context.Background(), Request{Text: tabsText, Domain: "style"})
	require.NoError(t, err)
	assert.Empty(t, outs)

	// Without any LLM configured llm_only still succeeds with nothing.
	p, err = NewPipeline(s, Config{Mode: ModeLLMOnly})
	require.NoError(t, err)
	outs, err = p.Extract(context.Background(), Request{Text: tabsText, Domain: "style"})
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestPipeline_FullModeCombines(t *testing.T) {
	s := newTestStore(t)
	llm := NewLLMExtractor(&fakeLLM{response: `[{"type":"INSIGHT","content":"The CI cache is keyed on go.sum.","confidence":0.7}]`}, nil)
	p, err := NewPipeline(s, Config{Mode: ModeFull}, WithLLM(llm))
	require.NoError(t, err)

	outs, err := p.Extract(context.Background(), Request{Text: tabsText, Domain: "style"})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, expertise.TypeConvention, outs[0].Record.Type)
	assert.Equal(t, expertise.TypeInsight, outs[1].Record.Type)
}

func TestPipeline_Provenance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	existing := seedRecord(t, s, "Always indent with tabs.")
	prov := &fakeProvenance{}

	p, err := NewPipeline(s, Config{}, WithProvenance(prov))
	require.NoError(t, err)

	outs, err := p.Extract(ctx, Request{Text: tabsText, Domain: "style", ConversationID: "conv-1", Agent: "claude"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "conv-1", outs[0].Record.SourceConversationID)
	assert.Equal(t, "claude", outs[0].Record.SourceAgent)
	require.Len(t, prov.calls, 1)
	assert.Equal(t, provenanceCall{outs[0].Record.ID, "conv-1", "claude"}, prov.calls[0])

	// Reinforcement is provenance too; flagged duplicates are not.
	prov.calls = nil
	p, err = NewPipeline(s, Config{}, WithProvenance(prov),
		WithIndex(&fakeIndex{matches: []vectorindex.Match{{RecordID: existing.ID, Score: 0.99}}}))
	require.NoError(t, err)
	_, err = p.Extract(ctx, Request{Text: tabsText, Domain: "style", ConversationID: "conv-2"})
	require.NoError(t, err)
	require.Len(t, prov.calls, 1)
	assert.Equal(t, existing.ID, prov.calls[0].recordID)

	prov.calls = nil
	p, err = NewPipeline(s, Config{}, WithProvenance(prov),
		WithIndex(&fakeIndex{matches: []vectorindex.Match{{RecordID: existing.ID, Score: 0.85}}}))
	require.NoError(t, err)
	_, err = p.Extract(ctx, Request{Text: tabsText, Domain: "style", ConversationID: "conv-3"})
	require.NoError(t, err)
	assert.Empty(t, prov.calls)

	// No conversation id, no provenance.
	_, err = p.Extract(ctx, Request{Text: "Never deploy on a Friday afternoon.", Domain: "ops"})
	require.NoError(t, err)
	assert.Empty(t, prov.calls)
}

func TestPipeline_Redactor(t *testing.T) {
	s := newTestStore(t)
	scrubber, err := secrets.New(secrets.Config{
		Enabled: true,
		Rules:   []secrets.Rule{{ID: "internal-token", Pattern: `tok_[a-z0-9]{12}`}},
	}, nil)
	require.NoError(t, err)

	p, err := NewPipeline(s, Config{}, WithRedactor(scrubber))
	require.NoError(t, err)

	outs, err := p.Extract(context.Background(), Request{
		Text:   "Never commit tokens like tok_abcdef123456 to the repository.",
		Domain: "security",
	})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.NotContains(t, outs[0].Record.Content, "tok_abcdef123456")
	assert.Contains(t, outs[0].Record.Content, "[REDACTED:internal-token")
}

func TestPipeline_ExtractBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ex := staticExtractor{records: func(domain, project string) []*expertise.Record {
		r, _ := expertise.NewRecord(expertise.TypePattern, domain, "Wrap retries in the backoff helper.", 0.7)
		r.Project = project
		return []*expertise.Record{r}
	}}
	p, err := NewPipeline(s, Config{}, WithHeuristic(ex))
	require.NoError(t, err)

	long := strings.Repeat("a long enough conversation body ", 3)
	convs := []Conversation{
		{ID: "c1", ProjectID: "api", FullText: long},
		{ID: "c2", FullText: "too short"},
		{ID: "c3", FullText: long + " PANIC"},
		{ID: "c4", FullText: long + " FAIL"},
		{ID: "c5", ProjectID: "cli", FullText: long, Agent: "codex"},
	}

	stats, err := p.ExtractBatch(ctx, convs, ModeHeuristicOnly, "backend")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 2, stats.ByType[expertise.TypePattern])
	require.Len(t, stats.Errors, 2)
	assert.Equal(t, "c3", stats.Errors[0].ConversationID)
	assert.Contains(t, stats.Errors[0].Error, "panic")
	assert.Equal(t, "c4", stats.Errors[1].ConversationID)

	recs, err := s.Query(ctx, expertise.Filter{Project: "cli"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "backend", recs[0].Domain)
	assert.Equal(t, "c5", recs[0].SourceConversationID)
	assert.Equal(t, "codex", recs[0].SourceAgent)
}

func TestPipeline_ExtractBatchCancelled(t *testing.T) {
	s := newTestStore(t)
	p, err := NewPipeline(s, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ExtractBatch(ctx, []Conversation{{ID: "c1", FullText: strings.Repeat("x", 80)}}, "", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_ExplicitZeroMinTextLength(t *testing.T) {
	ctx := context.Background()
	convs := []Conversation{{ID: "c1", FullText: "short"}}

	p, err := NewPipeline(newTestStore(t), Config{})
	require.NoError(t, err)
	stats, err := p.ExtractBatch(ctx, convs, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	p, err = NewPipeline(newTestStore(t), Config{MinTextLength: Int(0)})
	require.NoError(t, err)
	stats, err = p.ExtractBatch(ctx, convs, "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 1, stats.Processed)
}

func TestConfig_Validate(t *testing.T) {
	_, err := NewPipeline(nil, Config{DedupSimilarityThreshold: Float64(0.7), DedupFlagThreshold: Float64(0.9)})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	_, err = NewPipeline(nil, Config{Mode: "psychic"})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	_, err = NewPipeline(nil, Config{MinTextLength: Int(-1)})
	assert.ErrorIs(t, err, expertise.ErrValidation)

	assert.NoError(t, Config{DedupSimilarityThreshold: Float64(0), DedupFlagThreshold: Float64(0)}.Validate())
}
