// Package pdf partitions PDF documents into bounded page batches for OCR.
package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ledongthuc/pdf"

	"github.com/bull/docchat/internal/document"
)

// DefaultPagesPerBatch caps the pages handed to a single OCR batch.
const DefaultPagesPerBatch = 10

// Splitter opens PDFs and plans page batches.
type Splitter struct {
	maxPages int    // Document page limit, 0 for unlimited
	tempDir  string // Parent of per-run workspaces, "" for os.TempDir
	logger   *slog.Logger
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithMaxPages rejects documents with more than n pages. n <= 0 disables the limit.
func WithMaxPages(n int) Option {
	return func(s *Splitter) { s.maxPages = n }
}

// WithTempDir sets the directory under which split workspaces are created.
func WithTempDir(dir string) Option {
	return func(s *Splitter) { s.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Splitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSplitter creates a Splitter.
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split is an opened document and its batch plan. It owns a temporary
// workspace that holds a copy of the source and any rasterized pages;
// Close releases it and must be called on every path.
type Split struct {
	DocumentID string
	PageCount  int
	Batches    []document.PageBatch

	dir    string
	file   *os.File
	reader *pdf.Reader

	mu     sync.Mutex // ledongthuc/pdf readers are not safe for concurrent use
	closed bool
}

// Split copies src into a fresh workspace, validates it and plans batches of
// at most maxPagesPerBatch pages (DefaultPagesPerBatch when <= 0).
// Corrupt or password-protected files fail with document.ErrUnreadableDocument.
func (s *Splitter) Split(ctx context.Context, documentID, src string, maxPagesPerBatch int) (*Split, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxPagesPerBatch <= 0 {
		maxPagesPerBatch = DefaultPagesPerBatch
	}

	dir, err := os.MkdirTemp(s.tempDir, "docchat-split-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	split := &Split{DocumentID: documentID, dir: dir}

	ok := false
	defer func() {
		if !ok {
			split.Close()
		}
	}()

	path := filepath.Join(dir, "source.pdf")
	size, err := copyFile(path, src)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workspace copy: %w", err)
	}
	split.file = f

	reader, pageCount, err := openReader(f, size)
	if err != nil {
		return nil, err
	}
	split.reader = reader
	split.PageCount = pageCount

	if s.maxPages > 0 && pageCount > s.maxPages {
		return nil, fmt.Errorf("%w: %d pages, limit %d", document.ErrDocumentTooLarge, pageCount, s.maxPages)
	}

	split.Batches = PlanBatches(documentID, pageCount, maxPagesPerBatch)
	for i := range split.Batches {
		b := &split.Batches[i]
		b.SourcePath = path
		b.ByteSize = size * int64(b.Pages()) / int64(pageCount)
	}

	s.logger.Debug("Split document",
		"document", documentID,
		"pages", pageCount,
		"batches", len(split.Batches),
		"bytes", size,
	)
	ok = true
	return split, nil
}

// PlanBatches partitions pages 1..pageCount into ascending, contiguous batches
// of at most maxPages pages. Every page appears in exactly one batch.
func PlanBatches(documentID string, pageCount, maxPages int) []document.PageBatch {
	if pageCount <= 0 {
		return nil
	}
	if maxPages <= 0 {
		maxPages = DefaultPagesPerBatch
	}
	batches := make([]document.PageBatch, 0, (pageCount+maxPages-1)/maxPages)
	for first := 1; first <= pageCount; first += maxPages {
		last := min(first+maxPages-1, pageCount)
		batches = append(batches, document.PageBatch{
			DocumentID: documentID,
			Index:      len(batches),
			FirstPage:  first,
			LastPage:   last,
		})
	}
	return batches
}

// Dir returns the workspace directory. Files written there are removed by Close.
func (s *Split) Dir() string {
	return s.dir
}

// PageText returns the embedded text layer of a page, empty for scanned pages.
func (s *Split) PageText(page int) (text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reader == nil {
		return "", errors.New("split is closed")
	}
	if page < 1 || page > s.PageCount {
		return "", fmt.Errorf("%w: page %d out of range", document.ErrInvalidInput, page)
	}

	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read text layer of page %d: %v", page, r)
		}
	}()
	p := s.reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

// Close removes the workspace. It is safe to call more than once.
func (s *Split) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.reader = nil

	var errs []error
	if s.file != nil {
		errs = append(errs, s.file.Close())
	}
	if s.dir != "" {
		errs = append(errs, os.RemoveAll(s.dir))
	}
	return errors.Join(errs...)
}

// openReader parses the PDF. The parser panics on some malformed input,
// which is reported as an unreadable document like any other parse error.
func openReader(f io.ReaderAt, size int64) (reader *pdf.Reader, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			reader, pages, err = nil, 0, fmt.Errorf("%w: malformed pdf: %v", document.ErrUnreadableDocument, r)
		}
	}()

	// No password is ever supplied; protected documents are rejected.
	reader, err = pdf.NewReaderEncrypted(f, size, func() string { return "" })
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, 0, fmt.Errorf("%w: password protected", document.ErrUnreadableDocument)
		}
		return nil, 0, fmt.Errorf("%w: %v", document.ErrUnreadableDocument, err)
	}

	pages = reader.NumPage()
	if pages <= 0 {
		return nil, 0, fmt.Errorf("%w: no pages", document.ErrUnreadableDocument)
	}
	return reader, pages, nil
}

func copyFile(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open source: %v", document.ErrUnreadableDocument, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create workspace copy: %w", err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("copy source: %w", err)
	}
	return n, nil
}
