// Package ocr turns page batches into text, one ExtractedPage per page.
//
// Each page is rasterized and handed to a recognition engine. Failures are
// confined to the page: a page that cannot be rasterized or recognized is
// returned with Err set and the rest of the batch is still processed.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/retry"
)

// Source gives the extractor access to an opened document.
// *pdf.Split implements it.
type Source interface {
	// PageText returns the embedded text layer of a page, empty if there is none.
	PageText(page int) (string, error)
	// Dir is a scratch directory removed together with the source.
	Dir() string
}

// Config controls extraction.
type Config struct {
	Workers         int           // Concurrent batches in ExtractAll, defaults to 4
	MinConfidence   float64       // Pages below are flagged LowConfidence
	PageTimeout     time.Duration // Per engine attempt, defaults to 60s
	PreferTextLayer bool          // Use a non-empty PDF text layer instead of OCR
	Retry           retry.Policy  // Engine attempts, zero value uses retry.Default()
}

// Extractor runs OCR over page batches.
type Extractor struct {
	rasterizer Rasterizer
	engine     Engine
	cfg        Config
	logger     *slog.Logger
}

// NewExtractor creates an Extractor. A nil logger uses slog.Default().
func NewExtractor(rasterizer Rasterizer, engine Engine, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		rasterizer: rasterizer,
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
	}
}

// Extract processes every page of batch in order. The only error returned
// is the context's; page failures are reported on the pages.
func (e *Extractor) Extract(ctx context.Context, src Source, batch document.PageBatch) ([]document.ExtractedPage, error) {
	pages := make([]document.ExtractedPage, 0, batch.Pages())
	for n := batch.FirstPage; n <= batch.LastPage; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := e.extractPage(ctx, src, batch, n)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// ExtractAll processes batches concurrently and returns all pages sorted by page number.
func (e *Extractor) ExtractAll(ctx context.Context, src Source, batches []document.PageBatch) ([]document.ExtractedPage, error) {
	results := make([][]document.ExtractedPage, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			pages, err := e.Extract(gctx, src, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", batch.Index, err)
			}
			results[i] = pages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []document.ExtractedPage
	for _, pages := range results {
		all = append(all, pages...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PageNumber < all[j].PageNumber })
	return all, nil
}

func (e *Extractor) extractPage(ctx context.Context, src Source, batch document.PageBatch, n int) document.ExtractedPage {
	page := document.ExtractedPage{DocumentID: batch.DocumentID, PageNumber: n}

	if e.cfg.PreferTextLayer {
		text, err := src.PageText(n)
		if err != nil {
			e.logger.Debug("Text layer unavailable", "document", batch.DocumentID, "page", n, "error", err)
		} else if strings.TrimSpace(text) != "" {
			page.Text = text
			page.Confidence = 100
			return page
		}
	}

	img, err := e.rasterizer.Rasterize(ctx, batch, n, src.Dir())
	if err != nil {
		e.logger.Warn("Rasterize failed", "document", batch.DocumentID, "page", n, "error", err)
		page.Err = fmt.Errorf("%w: page %d: %v", document.ErrPageExtraction, n, err)
		return page
	}
	defer os.Remove(img)

	var rec Recognition
	err = e.cfg.Retry.DoNotify(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
		defer cancel()
		r, err := e.engine.Recognize(attemptCtx, img)
		if err != nil {
			return err
		}
		rec = r
		return nil
	}, func(err error, wait time.Duration) {
		e.logger.Debug("Retrying recognition", "document", batch.DocumentID, "page", n, "wait", wait, "error", err)
	})
	if err != nil {
		e.logger.Warn("Recognition failed", "document", batch.DocumentID, "page", n, "error", err)
		page.Err = fmt.Errorf("%w: page %d: %v", document.ErrPageExtraction, n, err)
		return page
	}

	page.Text = rec.Text
	page.Confidence = rec.Confidence
	// A blank page has no words to be unsure about.
	if rec.Confidence < e.cfg.MinConfidence && strings.TrimSpace(rec.Text) != "" {
		page.LowConfidence = true
		e.logger.Info("Low confidence page",
			"document", batch.DocumentID,
			"page", n,
			"confidence", rec.Confidence,
			"error", document.ErrLowConfidenceExtraction,
		)
	}
	return page
}
