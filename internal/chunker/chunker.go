// Package chunker normalizes extracted page text and splits it into
// overlapping chunks for embedding.
package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/bull/docchat/internal/document"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 150
	minSize        = 16
)

// Chunker splits normalized document text into chunks whose cores hold at
// most Size bytes, each prefixed with up to Overlap bytes of preceding text.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. Non-positive values select the defaults; the
// overlap is capped below the chunk size.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	size = max(size, minSize)
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits the pages of a document. Failed and empty pages contribute
// nothing. Concatenating Core() of the result yields JoinPages(pages).
func (c *Chunker) Chunk(documentID, projectID string, pages []document.ExtractedPage) []document.Chunk {
	text, spans := joinPages(pages)
	if text == "" {
		return nil
	}

	var chunks []document.Chunk
	for pos := 0; pos < len(text); {
		end := c.cut(text, pos)
		start := c.overlapStart(text, pos)

		chunkText := text[start:end]
		seq := len(chunks)
		chunks = append(chunks, document.Chunk{
			ID:         document.ChunkID(documentID, seq, chunkText),
			DocumentID: documentID,
			ProjectID:  projectID,
			Sequence:   seq,
			FirstPage:  pageAt(spans, start),
			LastPage:   pageAt(spans, end-1),
			Text:       chunkText,
			OverlapLen: pos - start,
		})
		pos = end
	}
	return chunks
}

// cut returns the end of the core starting at pos. Preference order is a
// paragraph break, a sentence end, then any whitespace, searched in the
// upper half of the window; otherwise a hard cut on a rune boundary.
func (c *Chunker) cut(text string, pos int) int {
	if len(text)-pos <= c.size {
		return len(text)
	}

	limit := pos + c.size
	for limit > pos && !utf8.RuneStart(text[limit]) {
		limit--
	}
	if limit == pos {
		_, n := utf8.DecodeRuneInString(text[pos:])
		return pos + n
	}

	lo := pos + c.size/2
	if lo >= limit {
		return limit
	}
	window := text[lo:limit]

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return lo + i + 2
	}
	for i := len(window) - 2; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if next := window[i+1]; next == ' ' || next == '\n' {
				return lo + i + 2
			}
		}
	}
	if i := strings.LastIndexAny(window, " \n"); i >= 0 {
		return lo + i + 1
	}
	return limit
}

// overlapStart returns where the overlap prefix of the core at pos begins.
// The prefix never starts inside a word.
func (c *Chunker) overlapStart(text string, pos int) int {
	if pos == 0 || c.overlap == 0 {
		return pos
	}
	start := max(pos-c.overlap, 0)
	if start == 0 {
		return 0
	}
	if isSpace(text[start-1]) {
		return start
	}
	for start < pos && !isSpace(text[start]) {
		start++
	}
	for start < pos && isSpace(text[start]) {
		start++
	}
	return start
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n'
}
