// Package ingest turns source documents into searchable chunk vectors and
// tracks their ingestion status.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bull/docchat/internal/chunker"
	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/embedding"
	"github.com/bull/docchat/internal/ocr"
	"github.com/bull/docchat/internal/pdf"
	"github.com/bull/docchat/internal/vectorstore"
)

// DefaultEmbedBatchSize is the number of chunks embedded per request.
const DefaultEmbedBatchSize = 64

// Result contains statistics about one ingestion run.
type Result struct {
	DocumentID    string
	Pages         int
	FailedPages   int
	LowConfidence int
	Chunks        int
	ModelVersion  string
	Duration      time.Duration
}

// StatusStore persists document records and their status.
type StatusStore interface {
	SaveDocument(ctx context.Context, doc *document.Document) error
	GetDocument(ctx context.Context, id string) (*document.Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]document.Document, error)
	UpdateStatus(ctx context.Context, id string, to document.Status, reason string) (*document.Document, error)
	SetExtraction(ctx context.Context, id string, pageCount int, pages []document.PageReport) error
	SetContentHash(ctx context.Context, id, hash string) error
	DeleteDocument(ctx context.Context, id string) error
	FailInterrupted(ctx context.Context, reason string) (int, error)
}

// PipelineConfig tunes a Pipeline.
type PipelineConfig struct {
	CollectionPrefix string
	PagesPerBatch    int
	EmbedBatchSize   int
}

// Pipeline runs the write path for one document: split, OCR, chunk,
// embed and upsert. Status changes are persisted as each stage starts.
type Pipeline struct {
	splitter   *pdf.Splitter
	extractor  *ocr.Extractor
	chunker    *chunker.Chunker
	vectorizer embedding.Vectorizer
	vectors    vectorstore.Store
	statuses   StatusStore
	cfg        PipelineConfig
	logger     *slog.Logger
	onStatus   func(*document.Document)
}

// NewPipeline creates a new ingestion pipeline with the given components.
func NewPipeline(
	splitter *pdf.Splitter,
	extractor *ocr.Extractor,
	chunker *chunker.Chunker,
	vectorizer embedding.Vectorizer,
	vectors vectorstore.Store,
	statuses StatusStore,
	cfg PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PagesPerBatch <= 0 {
		cfg.PagesPerBatch = pdf.DefaultPagesPerBatch
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	return &Pipeline{
		splitter:   splitter,
		extractor:  extractor,
		chunker:    chunker,
		vectorizer: vectorizer,
		vectors:    vectors,
		statuses:   statuses,
		cfg:        cfg,
		logger:     logger,
	}
}

// Collection returns the vector collection of a project.
func (p *Pipeline) Collection(projectID string) string {
	return vectorstore.CollectionFor(p.cfg.CollectionPrefix, projectID)
}

// Run ingests the pending document doc from the file at path. On error the
// document is marked failed with the most specific reason.
func (p *Pipeline) Run(ctx context.Context, doc *document.Document, path string) (*Result, error) {
	start := time.Now()
	result, err := p.run(ctx, doc, path)
	if err != nil {
		reason := err.Error()
		if failed, serr := p.statuses.UpdateStatus(context.WithoutCancel(ctx), doc.ID, document.StatusFailed, reason); serr != nil {
			p.logger.Error("Failed to record ingestion failure", "document", doc.ID, "error", serr)
		} else {
			p.emit(failed)
		}
		p.logger.Warn("Ingestion failed", "document", doc.ID, "ref", doc.SourceRef, "error", err)
		return nil, err
	}
	result.Duration = time.Since(start)

	p.logger.Info("Ingestion complete",
		"document", doc.ID,
		"pages", result.Pages,
		"failed_pages", result.FailedPages,
		"low_confidence", result.LowConfidence,
		"chunks", result.Chunks,
		"duration", result.Duration,
	)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, doc *document.Document, path string) (*Result, error) {
	result := &Result{DocumentID: doc.ID, ModelVersion: p.vectorizer.ModelVersion()}

	// 1. Split
	if err := p.advance(ctx, doc.ID, document.StatusSplitting); err != nil {
		return nil, err
	}
	hash, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", document.ErrUnreadableDocument, err)
	}
	if err := p.statuses.SetContentHash(ctx, doc.ID, hash); err != nil {
		return nil, err
	}
	split, err := p.splitter.Split(ctx, doc.ID, path, p.cfg.PagesPerBatch)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	defer split.Close()
	result.Pages = split.PageCount
	p.logger.Debug("Split document", "document", doc.ID, "pages", split.PageCount, "batches", len(split.Batches))

	// 2. OCR
	if err := p.advance(ctx, doc.ID, document.StatusOCRRunning); err != nil {
		return nil, err
	}
	pages, err := p.extractor.ExtractAll(ctx, split, split.Batches)
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	var reports []document.PageReport
	for _, page := range pages {
		report, ok := page.Report()
		if !ok {
			continue
		}
		reports = append(reports, report)
		if page.Err != nil {
			result.FailedPages++
		} else if page.LowConfidence {
			result.LowConfidence++
		}
	}
	if err := p.statuses.SetExtraction(ctx, doc.ID, split.PageCount, reports); err != nil {
		return nil, err
	}

	// 3. Chunk
	if err := p.advance(ctx, doc.ID, document.StatusChunking); err != nil {
		return nil, err
	}
	chunks := p.chunker.Chunk(doc.ID, doc.ProjectID, pages)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("chunk: %w: %d of %d pages failed", document.ErrNoExtractableText, result.FailedPages, split.PageCount)
	}
	result.Chunks = len(chunks)

	// 4. Embed and store
	if err := p.advance(ctx, doc.ID, document.StatusEmbedding); err != nil {
		return nil, err
	}
	if err := p.store(ctx, doc, chunks); err != nil {
		return nil, err
	}

	if err := p.advance(ctx, doc.ID, document.StatusReady); err != nil {
		return nil, err
	}
	return result, nil
}

// store embeds chunks in batches, upserts them and removes vectors of
// chunks the document no longer has.
func (p *Pipeline) store(ctx context.Context, doc *document.Document, chunks []document.Chunk) error {
	collection := p.Collection(doc.ProjectID)
	if err := p.vectors.EnsureCollection(ctx, collection, p.vectorizer.Dimension()); err != nil {
		return fmt.Errorf("collection: %w", err)
	}

	model := p.vectorizer.ModelVersion()
	keep := make([]string, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		batch := chunks[start:min(start+p.cfg.EmbedBatchSize, len(chunks))]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := p.vectorizer.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embeddings: %w", err)
		}

		records := make([]vectorstore.Record, len(batch))
		for i, c := range batch {
			records[i] = vectorstore.NewRecord(c, document.EmbeddingVector{
				ChunkID:      c.ID,
				Values:       vectors[i],
				ModelVersion: model,
			})
			keep = append(keep, c.ID)
		}
		if err := p.vectors.Upsert(ctx, collection, records); err != nil {
			return fmt.Errorf("store chunks: %w", err)
		}
	}

	if err := p.vectors.DeleteStale(ctx, collection, doc.ID, keep); err != nil {
		return fmt.Errorf("remove stale chunks: %w", err)
	}
	return nil
}

func (p *Pipeline) advance(ctx context.Context, id string, to document.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := p.statuses.UpdateStatus(ctx, id, to, "")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	p.logger.Debug("Document status", "document", id, "status", to)
	p.emit(doc)
	return nil
}

func (p *Pipeline) emit(doc *document.Document) {
	if p.onStatus != nil {
		p.onStatus(doc)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
