package vectorstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/vectorstore"
	"github.com/bull/docchat/internal/vectorstore/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) vectorstore.Store { return vectorstore.NewMemory() })
}

func TestMemory_RevisionOnlyAdvancesOnChange(t *testing.T) {
	ctx := context.Background()
	m := vectorstore.NewMemory()
	require.NoError(t, m.EnsureCollection(ctx, "c", 4))

	rec := storetest.Record("doc", 0, "m1", 1, 0, 0, 0)
	require.NoError(t, m.Upsert(ctx, "c", []vectorstore.Record{rec}))
	rev := m.Revision()

	require.NoError(t, m.Upsert(ctx, "c", []vectorstore.Record{rec}))
	assert.Equal(t, rev, m.Revision())

	rec.Vector = []float32{0, 1, 0, 0}
	require.NoError(t, m.Upsert(ctx, "c", []vectorstore.Record{rec}))
	assert.Greater(t, m.Revision(), rev)

	rev = m.Revision()
	require.NoError(t, m.DeleteByDocument(ctx, "c", "missing"))
	assert.Equal(t, rev, m.Revision())
	assert.Equal(t, 1, m.Count("c"))
}

func TestMemory_UnknownCollection(t *testing.T) {
	_, err := vectorstore.NewMemory().Search(context.Background(), "nope", []float32{1}, 1, vectorstore.Filter{})
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestRank(t *testing.T) {
	results := []document.RetrievalResult{
		{ChunkID: "c", Score: 0.5},
		{ChunkID: "b", Score: 0.9},
		{ChunkID: "a", Score: 0.5},
		{ChunkID: "d", Score: 0.1},
	}
	ranked := vectorstore.Rank(results, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, "b", ranked[0].ChunkID)
	assert.Equal(t, "a", ranked[1].ChunkID)
	assert.Equal(t, "c", ranked[2].ChunkID)
	assert.Equal(t, 3, ranked[2].Rank)
}

func TestCollectionFor(t *testing.T) {
	assert.Equal(t, "docchat_acme-project", vectorstore.CollectionFor("", "Acme-Project"))
	assert.Equal(t, "chunks_team_1", vectorstore.CollectionFor("chunks", "team/1"))

	long := vectorstore.CollectionFor("docchat", strings.Repeat("x", 200))
	assert.LessOrEqual(t, len(long), 63)
	assert.NotEqual(t, long, vectorstore.CollectionFor("docchat", strings.Repeat("x", 199)))
	assert.GreaterOrEqual(t, len(vectorstore.CollectionFor("a", "")), 3)
}

func TestPointID(t *testing.T) {
	a := vectorstore.PointID("chunk", "m1")
	assert.Equal(t, a, vectorstore.PointID("chunk", "m1"))
	assert.NotEqual(t, a, vectorstore.PointID("chunk", "m2"))
}
