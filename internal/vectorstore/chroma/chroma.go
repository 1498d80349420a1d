// Package chroma implements vectorstore.Store on a Chroma server over HTTP.
package chroma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	chhttp "github.com/amikos-tech/chroma-go/pkg/commons/http"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
	"github.com/bull/docchat/internal/vectorstore"
)

// Metadata keys stored on the collection itself.
const (
	keyDimension = "docchat:dimension"
	keySpace     = "hnsw:space"
)

// callerVectors is attached to collections so the client never loads its
// default embedding model. Every upsert and query carries its own vectors.
var callerVectors = embeddings.NewConsistentHashEmbeddingFunction()

// Config configures the Chroma connection.
type Config struct {
	URL   string // e.g. http://localhost:8000
	Retry retry.Policy
}

// Store keeps one Chroma collection per project.
type Store struct {
	client chromago.Client
	policy retry.Policy
	logger *slog.Logger

	mu          sync.RWMutex
	collections map[string]handle
}

type handle struct {
	collection chromago.Collection
	dim        int
}

var _ vectorstore.Store = (*Store)(nil)

// New connects to Chroma and verifies it responds.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []chromago.ClientOption
	if cfg.URL != "" {
		opts = append(opts, chromago.WithBaseURL(cfg.URL))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create chroma client: %w", err)
	}

	s := &Store{
		client:      client,
		policy:      cfg.Retry,
		logger:      logger,
		collections: make(map[string]handle),
	}
	if err := s.do(ctx, "heartbeat", s.Health); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.client.Heartbeat(ctx)
}

func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection gets or creates the collection using cosine space and
// records the vector dimension in the collection metadata.
func (s *Store) EnsureCollection(ctx context.Context, collection string, dim int) error {
	var col chromago.Collection
	err := s.do(ctx, "get or create collection", func(ctx context.Context) error {
		var err error
		col, err = s.client.GetOrCreateCollection(ctx, collection,
			chromago.WithEmbeddingFunctionCreate(callerVectors),
			chromago.WithCollectionMetadataCreate(
				chromago.NewMetadata(
					chromago.NewStringAttribute(keySpace, "cosine"),
					chromago.NewIntAttribute(keyDimension, int64(dim)),
				),
			),
		)
		return err
	})
	if err != nil {
		return err
	}

	if existing, ok := col.Metadata().GetInt(keyDimension); ok && int(existing) != dim {
		return fmt.Errorf("%w: collection %s has %d dimensions, requested %d",
			document.ErrDimensionMismatch, collection, existing, dim)
	}

	s.mu.Lock()
	s.collections[collection] = handle{collection: col, dim: dim}
	s.mu.Unlock()
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	h, err := s.handle(ctx, collection)
	if err != nil {
		return err
	}
	if err := vectorstore.CheckDimension(h.dim, records); err != nil {
		return err
	}

	for i := 0; i < len(records); i += vectorstore.UpsertBatchSize {
		end := min(i+vectorstore.UpsertBatchSize, len(records))
		batch := records[i:end]

		ids := make([]chromago.DocumentID, len(batch))
		texts := make([]string, len(batch))
		vectors := make([]embeddings.Embedding, len(batch))
		metadatas := make([]chromago.DocumentMetadata, len(batch))
		for j, r := range batch {
			ids[j] = chromago.DocumentID(r.PointID())
			texts[j] = r.Text
			vectors[j] = embeddings.NewEmbeddingFromFloat32(r.Vector)
			metadatas[j] = chromago.NewDocumentMetadata(
				chromago.NewStringAttribute(vectorstore.KeyDocumentID, r.DocumentID),
				chromago.NewStringAttribute(vectorstore.KeyChunkID, r.ChunkID),
				chromago.NewStringAttribute(vectorstore.KeyProjectID, r.ProjectID),
				chromago.NewIntAttribute(vectorstore.KeySequence, int64(r.Sequence)),
				chromago.NewIntAttribute(vectorstore.KeyFirstPage, int64(r.FirstPage)),
				chromago.NewIntAttribute(vectorstore.KeyLastPage, int64(r.LastPage)),
				chromago.NewStringAttribute(vectorstore.KeyPageRange, document.FormatPageRange(r.FirstPage, r.LastPage)),
				chromago.NewStringAttribute(vectorstore.KeyModelVersion, r.ModelVersion),
			)
		}

		err := s.do(ctx, "upsert", func(ctx context.Context) error {
			return h.collection.Upsert(ctx,
				chromago.WithIDs(ids...),
				chromago.WithTexts(texts...),
				chromago.WithEmbeddings(vectors...),
				chromago.WithMetadatas(metadatas...),
			)
		})
		if err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

func (s *Store) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	return s.deleteWhere(ctx, collection, chromago.EqString(vectorstore.KeyDocumentID, documentID))
}

func (s *Store) DeleteStale(ctx context.Context, collection, documentID string, keep []string) error {
	if len(keep) == 0 {
		return s.DeleteByDocument(ctx, collection, documentID)
	}
	return s.deleteWhere(ctx, collection, chromago.And(
		chromago.EqString(vectorstore.KeyDocumentID, documentID),
		chromago.NinString(vectorstore.KeyChunkID, keep...),
	))
}

func (s *Store) PruneModelVersions(ctx context.Context, collection, keep string) error {
	return s.deleteWhere(ctx, collection, chromago.NotEqString(vectorstore.KeyModelVersion, keep))
}

// Search converts Chroma cosine distances to similarities and re-ranks the
// over-fetched results deterministically.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, filter vectorstore.Filter) ([]document.RetrievalResult, error) {
	h, err := s.handle(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(query) != h.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection has %d",
			document.ErrDimensionMismatch, len(query), h.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	opts := []chromago.CollectionQueryOption{
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(query)),
		chromago.WithNResults(k + vectorstore.TieSlack),
	}
	var where []chromago.WhereClause
	if len(filter.DocumentIDs) > 0 {
		where = append(where, chromago.InString(vectorstore.KeyDocumentID, filter.DocumentIDs...))
	}
	if filter.ModelVersion != "" {
		where = append(where, chromago.EqString(vectorstore.KeyModelVersion, filter.ModelVersion))
	}
	switch len(where) {
	case 0:
	case 1:
		opts = append(opts, chromago.WithWhereQuery(where[0]))
	default:
		opts = append(opts, chromago.WithWhereQuery(chromago.And(where...)))
	}

	var result chromago.QueryResult
	err = s.do(ctx, "query", func(ctx context.Context) error {
		var err error
		result, err = h.collection.Query(ctx, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}

	docGroups := result.GetDocumentsGroups()
	metaGroups := result.GetMetadatasGroups()
	distGroups := result.GetDistancesGroups()
	if len(docGroups) == 0 {
		return nil, nil
	}

	results := make([]document.RetrievalResult, 0, len(docGroups[0]))
	for i, doc := range docGroups[0] {
		var meta map[string]any
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			meta = metadataMap(metaGroups[0][i])
		}
		var distance float64
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			distance = float64(distGroups[0][i])
		}
		results = append(results, document.RetrievalResult{
			ChunkID:    stringValue(meta, vectorstore.KeyChunkID),
			DocumentID: stringValue(meta, vectorstore.KeyDocumentID),
			Score:      1 - distance,
			FirstPage:  intValue(meta, vectorstore.KeyFirstPage),
			LastPage:   intValue(meta, vectorstore.KeyLastPage),
			Text:       doc.ContentString(),
		})
	}
	return vectorstore.Rank(results, k), nil
}

func (s *Store) deleteWhere(ctx context.Context, collection string, where chromago.WhereClause) error {
	h, err := s.handle(ctx, collection)
	if err != nil {
		return err
	}
	return s.do(ctx, "delete", func(ctx context.Context) error {
		return h.collection.Delete(ctx, chromago.WithWhereDelete(where))
	})
}

// handle returns the cached collection, loading it from the server when
// another process created it.
func (s *Store) handle(ctx context.Context, collection string) (handle, error) {
	s.mu.RLock()
	h, ok := s.collections[collection]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}

	var col chromago.Collection
	err := s.do(ctx, "get collection", func(ctx context.Context) error {
		var err error
		col, err = s.client.GetCollection(ctx, collection, chromago.WithEmbeddingFunctionGet(callerVectors))
		return err
	})
	if err != nil {
		return handle{}, err
	}

	dim := int64(col.Dimension())
	if md := col.Metadata(); md != nil {
		if recorded, ok := md.GetInt(keyDimension); ok {
			dim = recorded
		}
	}
	if dim <= 0 {
		return handle{}, fmt.Errorf("collection %s has no recorded dimension", collection)
	}

	h = handle{collection: col, dim: int(dim)}
	s.mu.Lock()
	s.collections[collection] = h
	s.mu.Unlock()
	return h, nil
}

// do runs op under the retry policy. A missing collection is reported as
// document.ErrNotFound, exhaustion as document.ErrVectorStoreUnavailable.
func (s *Store) do(ctx context.Context, what string, op func(ctx context.Context) error) error {
	classified := func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && missing(err) {
			return retry.Permanent(err)
		}
		return err
	}
	err := s.policy.DoNotify(ctx, classified, func(err error, wait time.Duration) {
		s.logger.Warn("Chroma request failed, retrying", "op", what, "wait", wait, "error", err)
	})
	switch {
	case err == nil:
		return nil
	case missing(err):
		return fmt.Errorf("%s: %w: %w", what, document.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w: %w", what, document.ErrVectorStoreUnavailable, err)
	}
}

// missing reports whether Chroma rejected the request because the
// collection does not exist.
func missing(err error) bool {
	var chErr *chhttp.ChromaError
	if !errors.As(err, &chErr) {
		return false
	}
	return chErr.ErrorCode == http.StatusNotFound ||
		chErr.ErrorID == "NotFoundError" ||
		strings.Contains(chErr.Message, "does not exist")
}

// metadataMap converts document metadata to a plain map. DocumentMetadata has
// no exported accessor for all values, so it goes through its JSON form.
func metadataMap(meta chromago.DocumentMetadata) map[string]any {
	out := make(map[string]any)
	if meta == nil {
		return out
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intValue(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
