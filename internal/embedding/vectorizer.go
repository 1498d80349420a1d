// Package embedding maps text to vectors. Chunks and queries go through the
// same Vectorizer so their vectors are comparable.
package embedding

import (
	"context"
	"sync"

	"github.com/minio/highwayhash"
)

// Vectorizer produces fixed-dimension embeddings for text.
type Vectorizer interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// ModelVersion identifies the model; vectors of different versions are not comparable.
	ModelVersion() string
	Dimension() int
}

// DefaultCacheSize bounds the number of vectors held by Cached.
const DefaultCacheSize = 4096

type cacheEntry struct {
	text   string
	vector []float32
}

// Cached memoizes a Vectorizer by text, so repeated inputs return the same
// vector for the lifetime of the cache without another backend call.
type Cached struct {
	next  Vectorizer
	limit int

	mu      sync.Mutex
	entries map[uint64]cacheEntry
}

// NewCached wraps next. The cache is reset when it reaches limit entries.
func NewCached(next Vectorizer, limit int) *Cached {
	if limit <= 0 {
		limit = DefaultCacheSize
	}
	return &Cached{
		next:    next,
		limit:   limit,
		entries: make(map[uint64]cacheEntry),
	}
}

func (c *Cached) ModelVersion() string { return c.next.ModelVersion() }
func (c *Cached) Dimension() int       { return c.next.Dimension() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch forwards only the texts missing from the cache.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)

	c.mu.Lock()
	for i, text := range texts {
		if e, ok := c.entries[c.key(text)]; ok && e.text == text {
			out[i] = e.vector
			continue
		}
		missing = append(missing, text)
		slots = append(slots, i)
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}
	vectors, err := c.next.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for j, v := range vectors {
		out[slots[j]] = v
		if len(c.entries) >= c.limit {
			clear(c.entries)
		}
		c.entries[c.key(missing[j])] = cacheEntry{text: missing[j], vector: v}
	}
	return out, nil
}

func (c *Cached) key(text string) uint64 {
	return highwayhash.Sum64([]byte(c.next.ModelVersion()+"\x00"+text), hashKey[:])
}
