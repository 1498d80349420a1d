package pdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docchat/internal/document"
	"github.com/bull/docchat/internal/pdf/pdftest"
)

func TestPlanBatches_PartitionsPages(t *testing.T) {
	tests := []struct {
		name      string
		pageCount int
		maxPages  int
		want      int
	}{
		{"single page", 1, 10, 1},
		{"exact multiple", 50, 10, 5},
		{"remainder", 23, 10, 3},
		{"batch of one", 4, 1, 4},
		{"default size", 25, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := PlanBatches("doc", tt.pageCount, tt.maxPages)
			require.Len(t, batches, tt.want)

			limit := tt.maxPages
			if limit <= 0 {
				limit = DefaultPagesPerBatch
			}
			next := 1
			for i, b := range batches {
				assert.Equal(t, i, b.Index)
				assert.Equal(t, next, b.FirstPage, "batches must be contiguous")
				assert.LessOrEqual(t, b.Pages(), limit)
				assert.GreaterOrEqual(t, b.Pages(), 1)
				next = b.LastPage + 1
			}
			assert.Equal(t, tt.pageCount+1, next, "every page covered exactly once")
		})
	}
}

func TestPlanBatches_Empty(t *testing.T) {
	assert.Empty(t, PlanBatches("doc", 0, 10))
}

func TestSplit_Fixture(t *testing.T) {
	dir := t.TempDir()
	src := pdftest.Write(t, dir, "fixture.pdf", pdftest.Pages(12))

	s := NewSplitter(WithTempDir(dir))
	split, err := s.Split(context.Background(), "doc-1", src, 5)
	require.NoError(t, err)
	defer split.Close()

	assert.Equal(t, 12, split.PageCount)
	require.Len(t, split.Batches, 3)
	assert.Equal(t, 11, split.Batches[2].FirstPage)
	assert.Equal(t, 12, split.Batches[2].LastPage)
	for _, b := range split.Batches {
		assert.Equal(t, "doc-1", b.DocumentID)
		assert.FileExists(t, b.SourcePath)
	}

	text, err := split.PageText(3)
	require.NoError(t, err)
	assert.Contains(t, text, "Page 3")

	_, err = split.PageText(13)
	assert.ErrorIs(t, err, document.ErrInvalidInput)
}

func TestSplit_CloseRemovesWorkspace(t *testing.T) {
	dir := t.TempDir()
	src := pdftest.Write(t, dir, "fixture.pdf", pdftest.Pages(2))

	split, err := NewSplitter(WithTempDir(dir)).Split(context.Background(), "doc", src, 10)
	require.NoError(t, err)

	workspace := split.Dir()
	require.DirExists(t, workspace)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "page-1.png"), []byte("x"), 0o600))

	require.NoError(t, split.Close())
	assert.NoDirExists(t, workspace)
	assert.NoError(t, split.Close(), "second close is a no-op")

	_, err = split.PageText(1)
	assert.Error(t, err)
}

func TestSplit_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4\nthis is not a pdf"), 0o600))

	_, err := NewSplitter(WithTempDir(dir)).Split(context.Background(), "doc", src, 10)
	assert.ErrorIs(t, err, document.ErrUnreadableDocument)
	assertNoWorkspaces(t, dir)
}

func TestSplit_PasswordProtected(t *testing.T) {
	dir := t.TempDir()
	src := pdftest.WriteEncrypted(t, dir, "locked.pdf")

	_, err := NewSplitter(WithTempDir(dir)).Split(context.Background(), "doc", src, 10)
	assert.ErrorIs(t, err, document.ErrUnreadableDocument)
	assertNoWorkspaces(t, dir)
}

func TestSplit_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSplitter(WithTempDir(dir)).Split(context.Background(), "doc", filepath.Join(dir, "nope.pdf"), 10)
	assert.ErrorIs(t, err, document.ErrUnreadableDocument)
}

func TestSplit_TooLarge(t *testing.T) {
	dir := t.TempDir()
	src := pdftest.Write(t, dir, "big.pdf", pdftest.Pages(6))

	_, err := NewSplitter(WithTempDir(dir), WithMaxPages(5)).Split(context.Background(), "doc", src, 10)
	assert.ErrorIs(t, err, document.ErrDocumentTooLarge)
	assertNoWorkspaces(t, dir)
}

func TestSplit_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSplitter().Split(ctx, "doc", "unused.pdf", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func assertNoWorkspaces(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "docchat-split-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "workspace must be removed on failure")
}
