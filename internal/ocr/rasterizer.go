package ocr

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/bull/docchat/internal/document"
)

// Rasterizer renders a single PDF page to an image file inside dir.
type Rasterizer interface {
	Rasterize(ctx context.Context, batch document.PageBatch, page int, dir string) (string, error)
}

// Pdftoppm rasterizes pages with poppler's pdftoppm.
type Pdftoppm struct {
	Binary string // Defaults to "pdftoppm"
	DPI    int    // Defaults to 300
	Runner CommandRunner
}

// Rasterize writes dir/<document>-p<page>.png and returns its path.
func (p *Pdftoppm) Rasterize(ctx context.Context, batch document.PageBatch, page int, dir string) (string, error) {
	if page < batch.FirstPage || page > batch.LastPage {
		return "", fmt.Errorf("page %d outside batch %d-%d", page, batch.FirstPage, batch.LastPage)
	}

	binary := p.Binary
	if binary == "" {
		binary = "pdftoppm"
	}
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 300
	}
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	prefix := filepath.Join(dir, fmt.Sprintf("%s-p%04d", batch.DocumentID, page))
	n := strconv.Itoa(page)
	_, err := runner.Run(ctx, binary,
		"-f", n, "-l", n,
		"-png", "-r", strconv.Itoa(dpi),
		"-singlefile",
		batch.SourcePath, prefix,
	)
	if err != nil {
		return "", fmt.Errorf("rasterize page %d: %w", page, err)
	}
	return prefix + ".png", nil
}
