package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/graph"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
	"github.com/fyrsmithlabs/expertd/internal/secrets"
	"github.com/fyrsmithlabs/expertd/internal/staleness"
	"github.com/fyrsmithlabs/expertd/internal/store"
	"github.com/fyrsmithlabs/expertd/internal/vectorindex"
)

// tabsEmbedder places the two tab conventions close together and
// everything else on an orthogonal axis.
type tabsEmbedder struct{}

func (tabsEmbedder) vector(text string) []float32 {
	switch text {
	case "always use tabs":
		return []float32{1, 0, 0}
	case "never use tabs":
		return []float32{0.85, 0.527, 0}
	}
	return []float32{0, 0, 1}
}

func (e tabsEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e tabsEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func newTestService(t *testing.T) *knowledge.Service {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	records, err := store.Open(ctx, filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })
	edges, err := graph.Open(ctx, filepath.Join(dir, "graph.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { edges.Close() })
	idx, err := vectorindex.Open(ctx, "", tabsEmbedder{}, nil)
	require.NoError(t, err)

	svc, err := knowledge.New(knowledge.Config{
		ContradictionEnabled: true,
		StalenessEnabled:     true,
		Staleness:            staleness.DefaultConfig(),
	}, knowledge.Options{Records: records, Graph: edges, Index: idx})
	require.NoError(t, err)
	return svc
}

func setupTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	server, err := NewServer(newTestService(t), zap.NewNop(), &Config{Version: "test"}, opts...)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func addRecord(t *testing.T, s *Server, content string) *expertise.Record {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/records", knowledge.RecordInput{
		Type:    "CONVENTION",
		Domain:  "style",
		Content: content,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*expertise.Record](t, rec)
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newTestService(t), zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestService(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "knowledge service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)
	addRecord(t, server, "always use tabs")

	rec := do(t, server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.Records)
	assert.Equal(t, 1, resp.Indexed)
	assert.False(t, resp.NLIAvailable)
	assert.Nil(t, resp.Telemetry)
}

func TestRecordLifecycle(t *testing.T) {
	server := setupTestServer(t)
	created := addRecord(t, server, "always use tabs")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, knowledge.DefaultConfidence, created.Confidence)
	assert.Equal(t, 1, created.ValidationCount)

	got := decode[*expertise.Record](t, do(t, server, http.MethodGet, "/api/v1/records/"+created.ID, nil))
	assert.Equal(t, "always use tabs", got.Content)

	rec := do(t, server, http.MethodPatch, "/api/v1/records/"+created.ID, map[string]any{
		"confidence": 0.95,
		"tags":       []string{"formatting"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[*expertise.Record](t, rec)
	assert.InDelta(t, 0.95, updated.Confidence, 1e-9)
	assert.Equal(t, []string{"formatting"}, updated.Tags)

	rec = do(t, server, http.MethodPost, "/api/v1/records/"+created.ID+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[*expertise.Record](t, rec).ValidationCount)

	list := decode[RecordsResponse](t, do(t, server, http.MethodGet, "/api/v1/records?domain=style&tag=formatting", nil))
	assert.Equal(t, 1, list.Count)

	rec = do(t, server, http.MethodDelete, "/api/v1/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	list = decode[RecordsResponse](t, do(t, server, http.MethodGet, "/api/v1/records", nil))
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Records)

	list = decode[RecordsResponse](t, do(t, server, http.MethodGet, "/api/v1/records?include_inactive=true", nil))
	require.Equal(t, 1, list.Count)
	assert.False(t, list.Records[0].IsActive)
}

func TestErrorMapping(t *testing.T) {
	server := setupTestServer(t)
	created := addRecord(t, server, "always use tabs")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown record", http.MethodGet, "/api/v1/records/missing", nil, http.StatusNotFound},
		{"bad record type", http.MethodPost, "/api/v1/records", knowledge.RecordInput{Type: "RUMOR", Domain: "style", Content: "x"}, http.StatusBadRequest},
		{"immutable field", http.MethodPatch, "/api/v1/records/" + created.ID, map[string]any{"id": "other"}, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/v1/records/" + created.ID, map[string]any{}, http.StatusBadRequest},
		{"bad type filter", http.MethodGet, "/api/v1/records?type=RUMOR", nil, http.StatusBadRequest},
		{"non numeric limit", http.MethodGet, "/api/v1/records?limit=ten", nil, http.StatusBadRequest},
		{"search without query", http.MethodGet, "/api/v1/search", nil, http.StatusBadRequest},
		{"unknown strategy", http.MethodPost, "/api/v1/graph/edges/e1/resolve", ResolveRequest{Strategy: "coinflip"}, http.StatusBadRequest},
		{"unknown edge", http.MethodPost, "/api/v1/graph/edges/e1/resolve", ResolveRequest{Strategy: "dismiss", Params: resolution.Params{Reason: "noise"}}, http.StatusNotFound},
		{"unknown mode", http.MethodPost, "/api/v1/extract/text", ExtractTextRequest{Text: "always use tabs", Mode: "psychic"}, http.StatusBadRequest},
		{"scrub not configured", http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "x"}, http.StatusNotFound},
		{"unmatched route", http.MethodGet, "/api/v1/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestContradictionWorkflow(t *testing.T) {
	server := setupTestServer(t)
	always := addRecord(t, server, "always use tabs")
	never := addRecord(t, server, "never use tabs")

	rec := do(t, server, http.MethodPost, "/api/v1/graph/detect", knowledge.DetectRequest{RecordID: always.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	det := decode[knowledge.DetectResult](t, rec)
	require.Len(t, det.CreatedEdges, 1)
	edgeID := det.CreatedEdges[0]

	views := decode[ContradictionsResponse](t, do(t, server, http.MethodGet, "/api/v1/graph/contradictions?domain=style", nil))
	require.Len(t, views.Contradictions, 1)

	check := decode[CheckResponse](t, do(t, server, http.MethodGet, "/api/v1/check", nil))
	assert.False(t, check.Passed)

	rec = do(t, server, http.MethodPost, "/api/v1/graph/edges/"+edgeID+"/resolve", ResolveRequest{
		Strategy: "supersede",
		Params:   resolution.Params{WinnerID: never.ID, Reason: "team switched to tabs off"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[resolution.Result](t, rec)
	assert.Equal(t, []string{always.ID}, res.DeactivatedRecords)

	rec = do(t, server, http.MethodPost, "/api/v1/graph/edges/"+edgeID+"/resolve", ResolveRequest{
		Strategy: "dismiss",
		Params:   resolution.Params{Reason: "again"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	views = decode[ContradictionsResponse](t, do(t, server, http.MethodGet, "/api/v1/graph/contradictions", nil))
	assert.Empty(t, views.Contradictions)
	views = decode[ContradictionsResponse](t, do(t, server, http.MethodGet, "/api/v1/graph/contradictions?unresolved=false", nil))
	assert.Len(t, views.Contradictions, 1)

	check = decode[CheckResponse](t, do(t, server, http.MethodGet, "/api/v1/check", nil))
	assert.True(t, check.Passed)
	assert.Len(t, check.Gates, 2)

	rec = do(t, server, http.MethodGet, "/api/v1/graph/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDomainsAndSearch(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/domains", CreateDomainRequest{Name: "golang", Description: "Go idioms"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, server, http.MethodPost, "/api/v1/domains", CreateDomainRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	addRecord(t, server, "always use tabs")

	domains := decode[DomainsResponse](t, do(t, server, http.MethodGet, "/api/v1/domains", nil))
	names := make([]string, 0, len(domains.Domains))
	for _, d := range domains.Domains {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"golang", "style"}, names)

	rec = do(t, server, http.MethodGet, "/api/v1/domains/style/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	search := decode[SearchResponse](t, do(t, server, http.MethodGet, "/api/v1/search?q=always+use+tabs&limit=5", nil))
	assert.Equal(t, "always use tabs", search.Query)
	require.NotEmpty(t, search.Hits)
}

func TestExtractAndPrime(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/extract", ExtractBatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	addRecord(t, server, "always use tabs")
	rec = do(t, server, http.MethodPost, "/api/v1/prime", knowledge.PrimeRequest{Domain: "style", MaxTokens: 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prime := decode[knowledge.PrimeResponse](t, rec)
	assert.Contains(t, prime.Rendered, "always use tabs")

	rec = do(t, server, http.MethodGet, "/api/v1/conversations/conv-1/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[ConversationRecordsResponse](t, rec)
	assert.Equal(t, "conv-1", conv.ConversationID)
	assert.Empty(t, conv.RecordIDs)
}

func TestStaleAndPrune(t *testing.T) {
	server := setupTestServer(t)
	addRecord(t, server, "always use tabs")

	stale := decode[StaleResponse](t, do(t, server, http.MethodGet, "/api/v1/stale?threshold=0.5", nil))
	assert.InDelta(t, 0.5, stale.Threshold, 1e-9)
	assert.Empty(t, stale.Records)

	rec := do(t, server, http.MethodPost, "/api/v1/prune", PruneRequest{DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[staleness.PruneResult](t, rec)
	assert.True(t, res.DryRun)
	assert.Empty(t, res.Pruned)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 1, res.TotalEvaluated)

	stale = decode[StaleResponse](t, do(t, server, http.MethodGet, "/api/v1/stale?threshold=0", nil))
	assert.Equal(t, 0.0, stale.Threshold)
	assert.Len(t, stale.Records, 1)

	rec = do(t, server, http.MethodPost, "/api/v1/prune", PruneRequest{Threshold: staleness.Float64(0), DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[staleness.PruneResult](t, rec)
	assert.Empty(t, res.Pruned)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, staleness.ReasonTooYoung, res.Skipped[0].Reason)
}

func TestHandleScrub(t *testing.T) {
	scrubber, err := secrets.New(secrets.Config{
		Enabled: true,
		Rules:   []secrets.Rule{{ID: "internal-token", Pattern: `itk_[a-z0-9]{16}`}},
	}, nil)
	require.NoError(t, err)
	server := setupTestServer(t, WithScrubber(scrubber))

	rec := do(t, server, http.MethodPost, "/api/v1/scrub", ScrubRequest{Content: "token itk_abcdef0123456789 here"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ScrubResponse](t, rec)
	assert.NotContains(t, resp.Content, "itk_abcdef0123456789")
	assert.Equal(t, 1, resp.FindingsCount)
	assert.Equal(t, 1, resp.ByRule["internal-token"])

	rec = do(t, server, http.MethodPost, "/api/v1/scrub", ScrubRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "expertd_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server := setupTestServer(t, WithGatherer(reg))
	rec := do(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "expertd_test_total 1")
}
