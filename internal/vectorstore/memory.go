package vectorstore

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/bull/docchat/internal/document"
)

// Memory is an in-process Store using brute-force cosine similarity.
// It backs tests and single-process deployments without a vector database.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	revision    uint64
}

type memCollection struct {
	dim    int
	points map[string]Record // by point id
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

// Revision increases on every change to stored vectors. Writes that leave
// the contents unchanged do not advance it.
func (m *Memory) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Count returns the number of vectors in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return len(c.points)
	}
	return 0
}

func (m *Memory) EnsureCollection(_ context.Context, collection string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[collection]; ok {
		if c.dim != dim {
			return fmt.Errorf("%w: collection %s has %d dimensions, requested %d",
				document.ErrDimensionMismatch, collection, c.dim, dim)
		}
		return nil
	}
	m.collections[collection] = &memCollection{dim: dim, points: make(map[string]Record)}
	return nil
}

func (m *Memory) Upsert(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	if err := CheckDimension(c.dim, records); err != nil {
		return err
	}

	for _, r := range records {
		id := r.PointID()
		if old, ok := c.points[id]; ok && equalRecords(old, r) {
			continue
		}
		r.Vector = slices.Clone(r.Vector)
		c.points[id] = r
		m.revision++
	}
	return nil
}

func (m *Memory) DeleteByDocument(ctx context.Context, collection, documentID string) error {
	return m.deleteWhere(collection, func(r Record) bool { return r.DocumentID == documentID })
}

func (m *Memory) DeleteStale(_ context.Context, collection, documentID string, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	return m.deleteWhere(collection, func(r Record) bool {
		if r.DocumentID != documentID {
			return false
		}
		_, ok := keepSet[r.ChunkID]
		return !ok
	})
}

func (m *Memory) PruneModelVersions(_ context.Context, collection, keep string) error {
	return m.deleteWhere(collection, func(r Record) bool { return r.ModelVersion != keep })
}

func (m *Memory) Search(_ context.Context, collection string, query []float32, k int, filter Filter) ([]document.RetrievalResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(query) != c.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection has %d",
			document.ErrDimensionMismatch, len(query), c.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	var docs map[string]struct{}
	if len(filter.DocumentIDs) > 0 {
		docs = make(map[string]struct{}, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			docs[id] = struct{}{}
		}
	}

	results := make([]document.RetrievalResult, 0, len(c.points))
	for _, r := range c.points {
		if filter.ModelVersion != "" && r.ModelVersion != filter.ModelVersion {
			continue
		}
		if docs != nil {
			if _, ok := docs[r.DocumentID]; !ok {
				continue
			}
		}
		results = append(results, r.Result(cosine(query, r.Vector)))
	}
	return Rank(results, k), nil
}

func (m *Memory) Health(context.Context) error { return nil }
func (m *Memory) Close() error                 { return nil }

func (m *Memory) deleteWhere(collection string, match func(Record) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for id, r := range c.points {
		if match(r) {
			delete(c.points, id)
			m.revision++
		}
	}
	return nil
}

// collection must be called with m.mu held.
func (m *Memory) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", name, document.ErrNotFound)
	}
	return c, nil
}

func equalRecords(a, b Record) bool {
	return a.ChunkID == b.ChunkID &&
		a.DocumentID == b.DocumentID &&
		a.ProjectID == b.ProjectID &&
		a.Sequence == b.Sequence &&
		a.FirstPage == b.FirstPage &&
		a.LastPage == b.LastPage &&
		a.Text == b.Text &&
		a.ModelVersion == b.ModelVersion &&
		slices.Equal(a.Vector, b.Vector)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
