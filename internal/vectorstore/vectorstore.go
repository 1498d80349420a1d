// Package vectorstore defines the storage contract for chunk embeddings and
// the helpers shared by its backends: collection naming, point ids and the
// deterministic ordering of search results.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bull/docchat/internal/document"
)

const (
	// UpsertBatchSize is the number of records written per backend request.
	UpsertBatchSize = 100

	// TieSlack is the number of extra results fetched from a backend so that
	// ties at the k-th position are resolved by chunk id rather than by
	// backend order.
	TieSlack = 8
)

// Payload keys persisted with every vector.
const (
	KeyDocumentID   = "document_id"
	KeyChunkID      = "chunk_id"
	KeyProjectID    = "project_id"
	KeyFirstPage    = "first_page"
	KeyLastPage     = "last_page"
	KeyPageRange    = "page_range"
	KeySequence     = "sequence"
	KeyModelVersion = "model_version"
	KeyText         = "text"
)

// Record is one chunk vector with its metadata.
type Record struct {
	ChunkID      string
	DocumentID   string
	ProjectID    string
	Sequence     int
	FirstPage    int
	LastPage     int
	Text         string
	ModelVersion string
	Vector       []float32
}

// NewRecord pairs a chunk with its embedding.
func NewRecord(chunk document.Chunk, vec document.EmbeddingVector) Record {
	return Record{
		ChunkID:      chunk.ID,
		DocumentID:   chunk.DocumentID,
		ProjectID:    chunk.ProjectID,
		Sequence:     chunk.Sequence,
		FirstPage:    chunk.FirstPage,
		LastPage:     chunk.LastPage,
		Text:         chunk.Text,
		ModelVersion: vec.ModelVersion,
		Vector:       vec.Values,
	}
}

// PointID is the storage id of the record: one per chunk and model version,
// so vectors of two model versions can coexist until pruned.
func (r Record) PointID() string {
	return PointID(r.ChunkID, r.ModelVersion)
}

// Result converts the record into a retrieval result with the given score.
func (r Record) Result(score float64) document.RetrievalResult {
	return document.RetrievalResult{
		ChunkID:    r.ChunkID,
		DocumentID: r.DocumentID,
		Score:      score,
		FirstPage:  r.FirstPage,
		LastPage:   r.LastPage,
		Text:       r.Text,
	}
}

// Filter restricts a search. Zero values match everything.
type Filter struct {
	DocumentIDs  []string
	ModelVersion string
}

// Store persists chunk vectors in named collections.
type Store interface {
	// EnsureCollection creates the collection if missing. An existing
	// collection with another dimension yields document.ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, collection string, dim int) error
	// Upsert writes records; writing an identical record again changes nothing.
	Upsert(ctx context.Context, collection string, records []Record) error
	// DeleteByDocument removes every vector of the document.
	DeleteByDocument(ctx context.Context, collection, documentID string) error
	// DeleteStale removes vectors of the document whose chunk id is not in keep.
	DeleteStale(ctx context.Context, collection, documentID string, keep []string) error
	// Search returns the k nearest records matching filter, ordered by
	// descending score and then ascending chunk id, ranked from 1.
	Search(ctx context.Context, collection string, query []float32, k int, filter Filter) ([]document.RetrievalResult, error)
	// PruneModelVersions removes vectors of every model version except keep.
	PruneModelVersions(ctx context.Context, collection, keep string) error
	Health(ctx context.Context) error
	Close() error
}

var pointNamespace = uuid.MustParse("0c9a4f5e-7b1d-5e62-8f3a-2d4b6c8e0a17")

// PointID derives the backend point id for a chunk under a model version.
func PointID(chunkID, modelVersion string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID+"\x00"+modelVersion)).String()
}

const maxCollectionName = 63

// CollectionFor names the collection holding a project's vectors. Names
// contain only [a-z0-9_-], start and end with an alphanumeric and fit in
// 63 characters; long project ids are shortened with a hash suffix.
func CollectionFor(prefix, projectID string) string {
	if prefix == "" {
		prefix = "docchat"
	}
	name := sanitize(prefix) + "_" + sanitize(projectID)
	name = strings.Trim(name, "_-")
	if len(name) > maxCollectionName {
		sum := sha256.Sum256([]byte(projectID))
		suffix := hex.EncodeToString(sum[:6])
		name = strings.TrimRight(name[:maxCollectionName-len(suffix)-1], "_-") + "_" + suffix
	}
	for len(name) < 3 {
		name += "0"
	}
	return name
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, s)
}

// Rank orders results by descending score, breaking ties by ascending chunk
// id, keeps the first k and assigns 1-based ranks.
func Rank(results []document.RetrievalResult, k int) []document.RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// CheckDimension validates records against a collection dimension.
func CheckDimension(dim int, records []Record) error {
	for _, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, collection has %d",
				document.ErrDimensionMismatch, r.ChunkID, len(r.Vector), dim)
		}
	}
	return nil
}
