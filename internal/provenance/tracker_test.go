package provenance

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/graph"
)

func newTracker(t *testing.T) (*Tracker, *graph.Store) {
	t.Helper()
	g, err := graph.Open(context.Background(), filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return NewTracker(g, nil), g
}

func rec(t *testing.T, content string) *expertise.Record {
	t.Helper()
	r, err := expertise.NewRecord(expertise.TypeInsight, "ops", content, 0.7)
	require.NoError(t, err)
	return r
}

func TestTracker_RecordExtraction(t *testing.T) {
	ctx := context.Background()
	tr, g := newTracker(t)
	r := rec(t, "the cache key includes go.sum")

	id, err := tr.RecordExtraction(ctx, r, "conv-1", "claude")
	require.NoError(t, err)

	e, err := g.GetEdge(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, graph.EdgeDerivedFrom, e.Type)
	assert.Equal(t, r.ID, e.SourceID)
	assert.Equal(t, "conv-1", e.TargetID)
	assert.Equal(t, "ops", e.Metadata["domain"])
	assert.Equal(t, "INSIGHT", e.Metadata["type"])
	assert.Equal(t, "claude", e.Metadata["agent"])

	again, err := tr.RecordExtraction(ctx, r, "conv-1", "")
	require.NoError(t, err)
	assert.Equal(t, id, again, "existing link is reused")

	_, err = tr.RecordExtraction(ctx, r, "", "")
	assert.ErrorIs(t, err, expertise.ErrValidation)
}

func TestTracker_Lineage(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(t)
	a, b, c, d := rec(t, "a"), rec(t, "b"), rec(t, "c"), rec(t, "d")

	for _, link := range []struct {
		r    *expertise.Record
		conv string
	}{
		{a, "conv-2"}, {a, "conv-1"}, {b, "conv-1"}, {c, "conv-2"}, {c, "conv-1"}, {d, "conv-3"},
	} {
		_, err := tr.RecordExtraction(ctx, link.r, link.conv, "")
		require.NoError(t, err)
	}

	convs, err := tr.GetConversationsForRecord(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1", "conv-2"}, convs)

	recs, err := tr.GetRecordsFromConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, recs)

	lin, err := tr.GetFullLineage(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, lin.RecordID)
	assert.Equal(t, []string{"conv-1", "conv-2"}, lin.Conversations)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, lin.DerivedRecords)
	assert.NotContains(t, lin.DerivedRecords, a.ID)
	assert.NotContains(t, lin.DerivedRecords, d.ID)

	empty, err := tr.GetFullLineage(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty.Conversations)
	assert.Empty(t, empty.DerivedRecords)
}
