package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
)

const (
	// DefaultOpenAIModel is the OpenAI embedding model used when none is configured.
	DefaultOpenAIModel = "text-embedding-3-small"

	// DefaultOpenAIDimension is the vector dimension of text-embedding-3-small.
	DefaultOpenAIDimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	// OpenAI supports up to 2048 texts per batch, but smaller batches reduce TPM pressure.
	DefaultBatchSize = 500
)

// OpenAIConfig configures OpenAIEmbedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // Optional, for OpenAI-compatible servers
	Model     string
	Dimension int
	BatchSize int
	Retry     retry.Policy
}

// OpenAIEmbedder generates embeddings with the OpenAI embeddings API.
// Requests are batched; rate limits, server errors and network failures are
// retried, and exhaustion is reported as document.ErrEmbeddingUnavailable.
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	dim       int
	batchSize int
	policy    retry.Policy
	logger    *slog.Logger
}

// NewOpenAIEmbedder creates an embedder. It returns an error if no API key is set.
func NewOpenAIEmbedder(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", document.ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultOpenAIDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Retries are handled by the policy, not the SDK.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dim:       cfg.Dimension,
		batchSize: cfg.BatchSize,
		policy:    cfg.Retry,
		logger:    logger,
	}, nil
}

func (e *OpenAIEmbedder) ModelVersion() string { return "openai/" + e.model }
func (e *OpenAIEmbedder) Dimension() int       { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in batches of the configured size, preserving order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		vectors, err := e.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

func (e *OpenAIEmbedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func(ctx context.Context) error {
		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return retry.Permanent(fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
		}

		// Convert float64 to float32 for storage compatibility
		embeddings = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			if len(data.Embedding) != e.dim {
				return retry.Permanent(fmt.Errorf("%w: model returned %d, configured %d",
					document.ErrDimensionMismatch, len(data.Embedding), e.dim))
			}
			embeddings[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	err := e.policy.DoNotify(ctx, operation, func(err error, wait time.Duration) {
		e.logger.Warn("Embedding request failed, retrying", "wait", wait, "error", err)
	})
	if err != nil {
		if errors.Is(err, document.ErrDimensionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", document.ErrEmbeddingUnavailable, err)
	}
	return embeddings, nil
}

// isRetryable reports whether an API error is worth retrying: rate limits,
// server errors and failures that never produced an HTTP response.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
