// Package app builds the docchat components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bull/docchat/internal/chat"
	"github.com/bull/docchat/internal/chunker"
	"github.com/bull/docchat/internal/completion"
	"github.com/bull/docchat/internal/config"
	"github.com/bull/docchat/internal/embedding"
	"github.com/bull/docchat/internal/ingest"
	"github.com/bull/docchat/internal/ocr"
	"github.com/bull/docchat/internal/pdf"
	"github.com/bull/docchat/internal/source"
	"github.com/bull/docchat/internal/store"
	"github.com/bull/docchat/internal/vectorstore"
	"github.com/bull/docchat/internal/vectorstore/chroma"
	"github.com/bull/docchat/internal/vectorstore/qdrant"
)

// App holds the wired components. Chat is built on first use so commands
// that only ingest do not need completion credentials.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *store.Store
	Vectors    vectorstore.Store
	Vectorizer embedding.Vectorizer
	Ingest     *ingest.Service

	chat *chat.Service
}

// Open connects the stores and builds the ingestion path.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.Store = st

	vectors, err := NewVectorStore(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.Vectors = vectors

	vectorizer, err := NewVectorizer(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Vectorizer = vectorizer

	resolver, err := NewResolver(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	runner := ocr.ExecRunner{}
	extractor := ocr.NewExtractor(
		&ocr.Pdftoppm{Binary: cfg.OCR.Pdftoppm, DPI: cfg.OCR.DPI, Runner: runner},
		&ocr.Tesseract{Binary: cfg.OCR.Tesseract, Lang: cfg.OCR.Language, Runner: runner},
		ocr.Config{
			Workers:         cfg.OCR.Workers,
			MinConfidence:   cfg.OCR.MinConfidence,
			PageTimeout:     cfg.OCR.PageTimeout,
			PreferTextLayer: cfg.OCR.PreferTextLayer,
			Retry:           cfg.Retry.Policy(),
		},
		logger.With("component", "ocr"),
	)
	pipeline := ingest.NewPipeline(
		pdf.NewSplitter(pdf.WithMaxPages(cfg.OCR.MaxPages), pdf.WithLogger(logger)),
		extractor,
		chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap),
		vectorizer,
		vectors,
		st,
		ingest.PipelineConfig{
			CollectionPrefix: cfg.Vector.CollectionPrefix,
			PagesPerBatch:    cfg.OCR.PagesPerBatch,
			EmbedBatchSize:   cfg.Embedding.BatchSize,
		},
		logger.With("component", "ingest"),
	)
	a.Ingest = ingest.NewService(pipeline, resolver, st, logger.With("component", "ingest"))
	return a, nil
}

// Chat returns the chat service, creating the completer on first call.
func (a *App) Chat(ctx context.Context) (*chat.Service, error) {
	if a.chat != nil {
		return a.chat, nil
	}
	completer, err := NewCompleter(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, err
	}
	a.chat = chat.NewService(a.Vectorizer, a.Vectors, completer, a.Store,
		chat.Config{
			CollectionPrefix:  a.Config.Vector.CollectionPrefix,
			TopK:              a.Config.Chat.TopK,
			HistoryTurns:      a.Config.Chat.HistoryTurns,
			MaxContextChars:   a.Config.Chat.MaxContextChars,
			CompletionTimeout: a.Config.Completion.Timeout,
		},
		a.Logger.With("component", "chat"),
	)
	return a.chat, nil
}

// Close stops background ingestion and releases the stores.
func (a *App) Close() error {
	var errs []error
	if a.Ingest != nil {
		errs = append(errs, a.Ingest.Close())
	}
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// NewVectorStore connects the configured vector backend.
func NewVectorStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (vectorstore.Store, error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		return qdrant.New(ctx, qdrant.Config{
			Host:   cfg.Vector.Qdrant.Host,
			Port:   cfg.Vector.Qdrant.Port,
			APIKey: cfg.Vector.Qdrant.APIKey,
			UseTLS: cfg.Vector.Qdrant.UseTLS,
			Retry:  cfg.Retry.Policy(),
		}, logger.With("component", "qdrant"))
	case "chroma":
		return chroma.New(ctx, chroma.Config{
			URL:   cfg.Vector.Chroma.URL,
			Retry: cfg.Retry.Policy(),
		}, logger.With("component", "chroma"))
	case "memory":
		logger.Warn("Using in-memory vector store; vectors are lost on exit")
		return vectorstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

// NewVectorizer builds the configured embedder behind an in-process cache.
func NewVectorizer(cfg *config.Config, logger *slog.Logger) (embedding.Vectorizer, error) {
	var v embedding.Vectorizer
	switch cfg.Embedding.Provider {
	case "openai":
		e, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			BatchSize: cfg.Embedding.BatchSize,
			Retry:     cfg.Retry.Policy(),
		}, logger.With("component", "embedding"))
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		v = e
	case "hash":
		v = embedding.NewHashEmbedder(cfg.Embedding.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	return embedding.NewCached(v, cfg.Embedding.CacheSize), nil
}

// NewCompleter builds the configured chat model behind the rate limiter.
func NewCompleter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (completion.Completer, error) {
	var c completion.Completer
	switch cfg.Completion.Provider {
	case "openai":
		o, err := completion.NewOpenAI(completion.OpenAIConfig{
			APIKey:    cfg.Completion.APIKey,
			BaseURL:   cfg.Completion.BaseURL,
			Model:     cfg.Completion.Model,
			MaxTokens: cfg.Completion.MaxTokens,
			Retry:     cfg.Retry.Policy(),
		}, logger.With("component", "completion"))
		if err != nil {
			return nil, fmt.Errorf("creating completer: %w", err)
		}
		c = o
	case "gemini":
		g, err := completion.NewGemini(ctx, completion.GeminiConfig{
			APIKey:    cfg.Completion.APIKey,
			Model:     cfg.Completion.Model,
			MaxTokens: cfg.Completion.MaxTokens,
			Retry:     cfg.Retry.Policy(),
		}, logger.With("component", "completion"))
		if err != nil {
			return nil, fmt.Errorf("creating completer: %w", err)
		}
		c = g
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Completion.Provider)
	}
	return completion.NewLimited(c, cfg.Completion.RequestsPerSecond, cfg.Completion.Burst), nil
}

// NewResolver builds the source resolver. github:// references are always
// accepted; the token only raises rate limits.
func NewResolver(cfg *config.Config, logger *slog.Logger) (source.Resolver, error) {
	gh, err := source.NewGitHub(source.GitHubConfig{
		Token:   cfg.Source.GitHubToken,
		BaseURL: cfg.Source.GitHubBaseURL,
	}, logger.With("component", "github"))
	if err != nil {
		return nil, fmt.Errorf("creating github resolver: %w", err)
	}
	return &source.Mux{GitHub: gh}, nil
}
