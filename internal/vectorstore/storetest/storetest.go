// Package storetest is a behavioural test suite run against every
// vectorstore.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/vectorstore"
)

const dim = 4

// Factory returns a ready store; it should skip the test when the backend is unavailable.
type Factory func(t *testing.T) vectorstore.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s vectorstore.Store, collection string)
	}{
		{"EnsureCollectionIdempotent", testEnsureCollection},
		{"SearchOrderAndTieBreak", testSearchOrder},
		{"FilterByDocument", testFilterByDocument},
		{"DeleteByDocument", testDeleteByDocument},
		{"DeleteStale", testDeleteStale},
		{"ModelVersionsCoexist", testModelVersions},
		{"UpsertIsIdempotent", testUpsertIdempotent},
		{"DimensionMismatch", testDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			collection := vectorstore.CollectionFor("test", uuid.NewString())
			require.NoError(t, s.EnsureCollection(context.Background(), collection, dim))
			tt.fn(t, s, collection)
		})
	}

	t.Run("MissingCollection", func(t *testing.T) {
		testMissingCollection(t, newStore(t), vectorstore.CollectionFor("test", uuid.NewString()))
	})
}

// RunShared checks that a collection created by one store is usable from
// another store connected to the same backend, as happens when the CLI and
// the server run side by side.
func RunShared(t *testing.T, newStore Factory) {
	t.Run("CollectionVisibleToOtherInstance", func(t *testing.T) {
		ctx := context.Background()
		collection := vectorstore.CollectionFor("test", uuid.NewString())
		writer := newStore(t)
		require.NoError(t, writer.EnsureCollection(ctx, collection, dim))
		rec := Record("doc-a", 0, "m1", 1, 0, 0, 0)
		require.NoError(t, writer.Upsert(ctx, collection, []vectorstore.Record{rec}))

		reader := newStore(t)
		results, err := reader.Search(ctx, collection, []float32{1, 0, 0, 0}, 5, vectorstore.Filter{})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, rec.ChunkID, results[0].ChunkID)

		require.NoError(t, reader.DeleteByDocument(ctx, collection, "doc-a"))
		results, err = writer.Search(ctx, collection, []float32{1, 0, 0, 0}, 5, vectorstore.Filter{})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

// Record builds a test record for chunk seq of doc with vector v.
func Record(doc string, seq int, model string, v ...float32) vectorstore.Record {
	text := fmt.Sprintf("%s chunk %d", doc, seq)
	return vectorstore.Record{
		ChunkID:      document.ChunkID(doc, seq, text),
		DocumentID:   doc,
		ProjectID:    "project",
		Sequence:     seq,
		FirstPage:    seq + 1,
		LastPage:     seq + 2,
		Text:         text,
		ModelVersion: model,
		Vector:       v,
	}
}

func chunkIDs(results []document.RetrievalResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

func testEnsureCollection(t *testing.T, s vectorstore.Store, collection string) {
	assert.NoError(t, s.EnsureCollection(context.Background(), collection, dim))
}

func testSearchOrder(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	best := Record("doc-a", 0, "m1", 1, 0, 0, 0)
	tied := []vectorstore.Record{
		Record("doc-a", 1, "m1", 0, 1, 0, 0),
		Record("doc-b", 0, "m1", 0, 1, 0, 0),
		Record("doc-b", 1, "m1", 0, 1, 0, 0),
	}
	far := Record("doc-c", 0, "m1", 0, 0, 0, 1)
	require.NoError(t, s.Upsert(ctx, collection, append([]vectorstore.Record{far, best}, tied...)))

	results, err := s.Search(ctx, collection, []float32{0.9, 0.4, 0, 0}, 3, vectorstore.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	tiedIDs := []string{tied[0].ChunkID, tied[1].ChunkID, tied[2].ChunkID}
	sort.Strings(tiedIDs)

	assert.Equal(t, best.ChunkID, results[0].ChunkID)
	assert.Equal(t, tiedIDs[:2], chunkIDs(results[1:]), "ties are broken by ascending chunk id")
	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
	}
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	assert.Equal(t, best.Text, results[0].Text)
	assert.Equal(t, best.FirstPage, results[0].FirstPage)
	assert.Equal(t, best.LastPage, results[0].LastPage)
	assert.Equal(t, "doc-a", results[0].DocumentID)

	again, err := s.Search(ctx, collection, []float32{0.9, 0.4, 0, 0}, 3, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, chunkIDs(results), chunkIDs(again))
}

func testFilterByDocument(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, collection, []vectorstore.Record{
		Record("doc-a", 0, "m1", 1, 0, 0, 0),
		Record("doc-b", 0, "m1", 1, 0, 0, 0),
		Record("doc-c", 0, "m1", 1, 0, 0, 0),
	}))

	results, err := s.Search(ctx, collection, []float32{1, 0, 0, 0}, 10, vectorstore.Filter{DocumentIDs: []string{"doc-b", "doc-c"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "doc-a", r.DocumentID)
	}
}

func testDeleteByDocument(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, collection, []vectorstore.Record{
		Record("doc-a", 0, "m1", 1, 0, 0, 0),
		Record("doc-a", 1, "m1", 0, 1, 0, 0),
		Record("doc-b", 0, "m1", 1, 1, 0, 0),
	}))
	require.NoError(t, s.DeleteByDocument(ctx, collection, "doc-a"))

	results, err := s.Search(ctx, collection, []float32{1, 1, 0, 0}, 10, vectorstore.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-b", results[0].DocumentID)
}

func testDeleteStale(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	keep := Record("doc-a", 0, "m1", 1, 0, 0, 0)
	stale := Record("doc-a", 1, "m1", 0, 1, 0, 0)
	other := Record("doc-b", 5, "m1", 0, 1, 0, 0)
	require.NoError(t, s.Upsert(ctx, collection, []vectorstore.Record{keep, stale, other}))
	require.NoError(t, s.DeleteStale(ctx, collection, "doc-a", []string{keep.ChunkID}))

	results, err := s.Search(ctx, collection, []float32{1, 1, 0, 0}, 10, vectorstore.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{keep.ChunkID, other.ChunkID}, chunkIDs(results))
}

func testModelVersions(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	v1 := Record("doc-a", 0, "m1", 1, 0, 0, 0)
	v2 := v1
	v2.ModelVersion = "m2"
	v2.Vector = []float32{0, 1, 0, 0}
	require.NoError(t, s.Upsert(ctx, collection, []vectorstore.Record{v1, v2}))

	results, err := s.Search(ctx, collection, []float32{1, 0, 0, 0}, 10, vectorstore.Filter{ModelVersion: "m2"})
	require.NoError(t, err)
	require.Len(t, results, 1, "both versions stored, filter selects one")

	all, err := s.Search(ctx, collection, []float32{1, 0, 0, 0}, 10, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.PruneModelVersions(ctx, collection, "m2"))
	all, err = s.Search(ctx, collection, []float32{1, 0, 0, 0}, 10, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testUpsertIdempotent(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	records := []vectorstore.Record{
		Record("doc-a", 0, "m1", 1, 0, 0, 0),
		Record("doc-a", 1, "m1", 0, 1, 0, 0),
	}
	require.NoError(t, s.Upsert(ctx, collection, records))
	require.NoError(t, s.Upsert(ctx, collection, records))

	results, err := s.Search(ctx, collection, []float32{1, 1, 0, 0}, 10, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func testDimensionMismatch(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()
	err := s.Upsert(ctx, collection, []vectorstore.Record{Record("doc-a", 0, "m1", 1, 0)})
	assert.ErrorIs(t, err, document.ErrDimensionMismatch)

	_, err = s.Search(ctx, collection, []float32{1, 0, 0}, 1, vectorstore.Filter{})
	assert.ErrorIs(t, err, document.ErrDimensionMismatch)

	assert.ErrorIs(t, s.EnsureCollection(ctx, collection, dim+1), document.ErrDimensionMismatch)
}

func testMissingCollection(t *testing.T, s vectorstore.Store, collection string) {
	ctx := context.Background()

	_, err := s.Search(ctx, collection, []float32{1, 0, 0, 0}, 3, vectorstore.Filter{})
	assert.ErrorIs(t, err, document.ErrNotFound)
	assert.NotErrorIs(t, err, document.ErrVectorStoreUnavailable)

	assert.ErrorIs(t, s.DeleteByDocument(ctx, collection, "doc-a"), document.ErrNotFound)
	assert.ErrorIs(t, s.Upsert(ctx, collection, []vectorstore.Record{Record("doc-a", 0, "m1", 1, 0, 0, 0)}), document.ErrNotFound)
}
