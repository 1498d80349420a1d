package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/minio/highwayhash"
)

// hashKey is the fixed HighwayHash key. Changing it changes every vector.
var hashKey = [32]byte{
	0x64, 0x6f, 0x63, 0x63, 0x68, 0x61, 0x74, 0x2d,
	0x68, 0x61, 0x73, 0x68, 0x2d, 0x65, 0x6d, 0x62,
	0x65, 0x64, 0x64, 0x69, 0x6e, 0x67, 0x2d, 0x6b,
	0x65, 0x79, 0x2d, 0x76, 0x31, 0x00, 0x00, 0x01,
}

// DefaultHashDimension is the vector size of HashEmbedder when none is configured.
const DefaultHashDimension = 384

// HashEmbedder is an offline Vectorizer using feature hashing over word
// unigrams and bigrams. Vectors are L2-normalized, so cosine similarity
// reflects shared vocabulary. It needs no network and is fully deterministic.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder with dim dimensions.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) ModelVersion() string { return fmt.Sprintf("hash-v1-%d", h.dim) }
func (h *HashEmbedder) Dimension() int       { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float64, h.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make([]float32, h.dim)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

func (h *HashEmbedder) add(v []float64, feature string, weight float64) {
	sum := highwayhash.Sum64([]byte(feature), hashKey[:])
	idx := sum % uint64(h.dim)
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
