// Package qdrant implements vectorstore.Store on Qdrant over gRPC.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
	"github.com/bull/docchat/internal/vectorstore"
)

// vectorName is the named vector holding chunk embeddings.
const vectorName = "content"

// Config configures the Qdrant connection.
type Config struct {
	Host   string
	Port   int // gRPC port, 6334 by default
	APIKey string
	UseTLS bool
	Retry  retry.Policy
}

// Store wraps the Qdrant client with connection management and health checks.
type Store struct {
	client *qdrant.Client
	policy retry.Policy
	logger *slog.Logger

	mu   sync.RWMutex
	dims map[string]int // collection -> vector size, filled by EnsureCollection
}

var _ vectorstore.Store = (*Store)(nil)

// New creates a Qdrant-backed store. It performs a health check with retry on
// startup and fails fast with document.ErrVectorStoreUnavailable if Qdrant is unreachable.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &Store{
		client: client,
		policy: cfg.Retry,
		logger: logger,
		dims:   make(map[string]int),
	}
	if err := s.do(ctx, "health check", s.Health); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Health performs a single health check against Qdrant.
func (s *Store) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return errors.New("health check returned invalid response")
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance and keyword
// indexes on the filterable payload fields. Idempotent.
func (s *Store) EnsureCollection(ctx context.Context, collection string, dim int) error {
	var existing []string
	err := s.do(ctx, "list collections", func(ctx context.Context) error {
		var err error
		existing, err = s.client.ListCollections(ctx)
		return err
	})
	if err != nil {
		return err
	}

	for _, name := range existing {
		if name != collection {
			continue
		}
		size, err := s.vectorSize(ctx, collection)
		if err != nil {
			return err
		}
		if size != dim {
			return fmt.Errorf("%w: collection %s has %d dimensions, requested %d",
				document.ErrDimensionMismatch, collection, size, dim)
		}
		s.setDim(collection, dim)
		return nil
	}

	err = s.do(ctx, "create collection", func(ctx context.Context) error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				vectorName: {
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				},
			}),
		})
	})
	if err != nil {
		return err
	}

	// Without these indexes, filtering becomes much slower on large collections.
	for _, field := range []string{vectorstore.KeyDocumentID, vectorstore.KeyChunkID, vectorstore.KeyModelVersion} {
		err := s.do(ctx, "create index "+field, func(ctx context.Context) error {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: collection,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
		if err != nil {
			return err
		}
	}

	s.setDim(collection, dim)
	s.logger.Info("Created collection", "collection", collection, "dimension", dim)
	return nil
}

// Upsert stores records in batches of vectorstore.UpsertBatchSize.
func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := s.dim(ctx, collection)
	if err != nil {
		return err
	}
	if err := vectorstore.CheckDimension(dim, records); err != nil {
		return err
	}

	for i := 0; i < len(records); i += vectorstore.UpsertBatchSize {
		end := min(i+vectorstore.UpsertBatchSize, len(records))
		points := make([]*qdrant.PointStruct, 0, end-i)
		for _, r := range records[i:end] {
			points = append(points, &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(r.PointID()),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
					vectorName: qdrant.NewVector(r.Vector...),
				}),
				Payload: qdrant.NewValueMap(map[string]any{
					vectorstore.KeyDocumentID:   r.DocumentID,
					vectorstore.KeyChunkID:      r.ChunkID,
					vectorstore.KeyProjectID:    r.ProjectID,
					vectorstore.KeySequence:     r.Sequence,
					vectorstore.KeyFirstPage:    r.FirstPage,
					vectorstore.KeyLastPage:     r.LastPage,
					vectorstore.KeyPageRange:    document.FormatPageRange(r.FirstPage, r.LastPage),
					vectorstore.KeyModelVersion: r.ModelVersion,
					vectorstore.KeyText:         r.Text,
				}),
			})
		}

		err := s.do(ctx, "upsert", func(ctx context.Context) error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: collection,
				Points:         points,
				Wait:           qdrant.PtrOf(true),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

func (s *Store) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	return s.deleteWhere(ctx, collection, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(vectorstore.KeyDocumentID, documentID)},
	})
}

func (s *Store) DeleteStale(ctx context.Context, collection, documentID string, keep []string) error {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(vectorstore.KeyDocumentID, documentID)},
	}
	if len(keep) > 0 {
		filter.MustNot = []*qdrant.Condition{qdrant.NewMatchKeywords(vectorstore.KeyChunkID, keep...)}
	}
	return s.deleteWhere(ctx, collection, filter)
}

func (s *Store) PruneModelVersions(ctx context.Context, collection, keep string) error {
	return s.deleteWhere(ctx, collection, &qdrant.Filter{
		MustNot: []*qdrant.Condition{qdrant.NewMatch(vectorstore.KeyModelVersion, keep)},
	})
}

// Search over-fetches by vectorstore.TieSlack and re-ranks so equal scores
// are ordered by chunk id regardless of Qdrant's internal order.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, filter vectorstore.Filter) ([]document.RetrievalResult, error) {
	dim, err := s.dim(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection has %d",
			document.ErrDimensionMismatch, len(query), dim)
	}
	if k <= 0 {
		return nil, nil
	}

	var must []*qdrant.Condition
	if len(filter.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords(vectorstore.KeyDocumentID, filter.DocumentIDs...))
	}
	if filter.ModelVersion != "" {
		must = append(must, qdrant.NewMatch(vectorstore.KeyModelVersion, filter.ModelVersion))
	}

	using := vectorName
	var points []*qdrant.ScoredPoint
	err = s.do(ctx, "search", func(ctx context.Context) error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(query...),
			Using:          &using,
			Filter:         &qdrant.Filter{Must: must},
			Limit:          qdrant.PtrOf(uint64(k + vectorstore.TieSlack)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]document.RetrievalResult, 0, len(points))
	for _, p := range points {
		payload := p.Payload
		results = append(results, document.RetrievalResult{
			ChunkID:    payload[vectorstore.KeyChunkID].GetStringValue(),
			DocumentID: payload[vectorstore.KeyDocumentID].GetStringValue(),
			Score:      float64(p.Score),
			FirstPage:  int(payload[vectorstore.KeyFirstPage].GetIntegerValue()),
			LastPage:   int(payload[vectorstore.KeyLastPage].GetIntegerValue()),
			Text:       payload[vectorstore.KeyText].GetStringValue(),
		})
	}
	return vectorstore.Rank(results, k), nil
}

func (s *Store) deleteWhere(ctx context.Context, collection string, filter *qdrant.Filter) error {
	return s.do(ctx, "delete", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelectorFilter(filter),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
}

func (s *Store) vectorSize(ctx context.Context, collection string) (int, error) {
	var info *qdrant.CollectionInfo
	err := s.do(ctx, "get collection", func(ctx context.Context) error {
		var err error
		info, err = s.client.GetCollectionInfo(ctx, collection)
		return err
	})
	if err != nil {
		return 0, err
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[vectorName]
	if params == nil {
		return 0, fmt.Errorf("collection %s has no %q vector", collection, vectorName)
	}
	return int(params.GetSize()), nil
}

func (s *Store) dim(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	dim, ok := s.dims[collection]
	s.mu.RUnlock()
	if ok {
		return dim, nil
	}
	dim, err := s.vectorSize(ctx, collection)
	if err != nil {
		return 0, err
	}
	s.setDim(collection, dim)
	return dim, nil
}

func (s *Store) setDim(collection string, dim int) {
	s.mu.Lock()
	s.dims[collection] = dim
	s.mu.Unlock()
}

// do runs op under the retry policy. A missing collection is reported as
// document.ErrNotFound, other rejected requests as plain errors, and
// exhaustion as document.ErrVectorStoreUnavailable.
func (s *Store) do(ctx context.Context, what string, op func(ctx context.Context) error) error {
	classified := func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	}
	err := s.policy.DoNotify(ctx, classified, func(err error, wait time.Duration) {
		s.logger.Warn("Qdrant request failed, retrying", "op", what, "wait", wait, "error", err)
	})
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s: %w: %w", what, document.ErrNotFound, err)
	case !retryable(err):
		return fmt.Errorf("%s: %w", what, err)
	default:
		return fmt.Errorf("%s: %w: %w", what, document.ErrVectorStoreUnavailable, err)
	}
}

// retryable reports whether a gRPC failure may succeed on a later attempt.
func retryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.FailedPrecondition, codes.PermissionDenied, codes.Unauthenticated:
		return false
	}
	return true
}
