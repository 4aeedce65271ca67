package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// fakeEmbedder returns fixed vectors per text; unknown texts map to a
// vector orthogonal to every seeded one.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
	fail    bool
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"always use tabs":  {1, 0, 0, 0},
		"prefer tabs":      {0.9, 0.1, 0, 0},
		"never use tabs":   {0.85, 0, 0.527, 0},
		"deploy on friday": {0, 1, 0, 0},
	}}
}

func (f *fakeEmbedder) vector(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	return []float32{0, 0, 0, 1}
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.vector(text)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("embedder down")
	}
	return f.vector(text), nil
}

func rec(id, content string) *expertise.Record {
	return &expertise.Record{ID: id, Content: content}
}

func TestIndex_AddSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, t.TempDir(), newFakeEmbedder(), nil)
	require.NoError(t, err)

	require.NoError(t, idx.AddBatch(ctx, []*expertise.Record{
		rec("r1", "always use tabs"),
		rec("r2", "deploy on friday"),
		rec("r3", "prefer tabs"),
	}))
	assert.Equal(t, 3, idx.Len())

	matches, err := idx.Search(ctx, "always use tabs", 10, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "r1", matches[0].RecordID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
	assert.Equal(t, "r3", matches[1].RecordID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	matches, err = idx.Search(ctx, "always use tabs", 1, 0)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestIndex_SearchEdgeCases(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, "", newFakeEmbedder(), nil)
	require.NoError(t, err)

	_, err = idx.Search(ctx, "", 5, 0)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	matches, err := idx.Search(ctx, "always use tabs", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, idx.Add(ctx, rec("r1", "always use tabs")))
	matches, err = idx.Search(ctx, "always use tabs", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_AddReplacesVector(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, "", newFakeEmbedder(), nil)
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, rec("r1", "always use tabs")))
	require.NoError(t, idx.Add(ctx, rec("r1", "deploy on friday")))
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, int64(2), idx.NextVectorID())

	matches, err := idx.Search(ctx, "deploy on friday", 5, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].RecordID)

	matches, err = idx.Search(ctx, "always use tabs", 5, 0.9)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_Remove(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, "", newFakeEmbedder(), nil)
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, rec("r1", "always use tabs")))
	require.NoError(t, idx.Remove(ctx, "r1"))
	require.NoError(t, idx.Remove(ctx, "missing"))
	assert.Equal(t, 0, idx.Len())
	assert.False(t, idx.Contains("r1"))
}

func TestIndex_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	emb := newFakeEmbedder()

	idx, err := Open(ctx, dir, emb, nil)
	require.NoError(t, err)
	require.NoError(t, idx.AddBatch(ctx, []*expertise.Record{
		rec("r1", "always use tabs"),
		rec("r2", "deploy on friday"),
	}))
	require.NoError(t, idx.Remove(ctx, "r2"))

	assert.FileExists(t, filepath.Join(dir, vectorsFile))
	data, err := os.ReadFile(filepath.Join(dir, idMapFile))
	require.NoError(t, err)
	var m idMap
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, int64(2), m.NextVectorID)
	assert.Equal(t, map[string]int64{"r1": 0}, m.Mapping)

	reopened, err := Open(ctx, dir, emb, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	assert.Equal(t, int64(2), reopened.NextVectorID())

	matches, err := reopened.Search(ctx, "always use tabs", 5, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].RecordID)
}

func TestIndex_Rebuild(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx, err := Open(ctx, t.TempDir(), emb, nil)
	require.NoError(t, err)

	require.NoError(t, idx.Add(ctx, rec("old", "always use tabs")))
	require.NoError(t, idx.Remove(ctx, "old"))
	require.NoError(t, idx.Add(ctx, rec("old2", "prefer tabs")))
	assert.Equal(t, int64(2), idx.NextVectorID())

	recs := []*expertise.Record{
		rec("a", "always use tabs"),
		rec("b", "deploy on friday"),
		rec("c", "prefer tabs"),
		nil,
		rec("d", ""),
	}
	var progress [][2]int
	require.NoError(t, idx.Rebuild(ctx, recs, 2, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	}))

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, int64(3), idx.NextVectorID())
	assert.False(t, idx.Contains("old2"))
	assert.Equal(t, [][2]int{{2, 3}, {3, 3}}, progress)
}

func TestIndex_RebuildCancelled(t *testing.T) {
	emb := newFakeEmbedder()
	idx, err := Open(context.Background(), "", emb, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = idx.Rebuild(ctx, []*expertise.Record{
		rec("a", "always use tabs"),
		rec("b", "deploy on friday"),
	}, 1, func(done, total int) {
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, idx.Len())
}

func TestIndex_EmbedderFailure(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx, err := Open(ctx, "", emb, nil)
	require.NoError(t, err)

	emb.fail = true
	assert.Error(t, idx.Add(ctx, rec("r1", "always use tabs")))
	assert.Equal(t, 0, idx.Len())

	_, err = idx.Search(ctx, "always use tabs", 5, 0)
	assert.Error(t, err)
}

func TestOpen_RequiresEmbedder(t *testing.T) {
	_, err := Open(context.Background(), "", nil, nil)
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestIndex_ConcurrentSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := Open(ctx, "", newFakeEmbedder(), nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, rec("r1", "always use tabs")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = idx.Search(ctx, "always use tabs", 3, 0)
				return
			}
			_ = idx.Add(ctx, rec("r2", "prefer tabs"))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 2, idx.Len())
}
