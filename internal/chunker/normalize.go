package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/bull/docchat/internal/document"
)

// PageSeparator joins the normalized text of consecutive pages.
const PageSeparator = "\n\n"

var (
	hyphenWrap   = regexp.MustCompile(`(\pL)-[ \t]*\n[ \t]*(\p{Ll})`)
	paragraphGap = regexp.MustCompile(`\n[ \t]*\n\s*`)
)

// Normalize canonicalizes OCR output: NFKC, control characters dropped,
// words broken by a hyphen at a line end rejoined, single line breaks
// unwrapped and runs of whitespace collapsed. Paragraph breaks survive as
// a single blank line. Normalize is idempotent.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r), r == '\uFEFF', r == '\u00AD':
			return -1
		}
		return r
	}, text)

	text = hyphenWrap.ReplaceAllString(text, "$1$2")

	var paragraphs []string
	for _, p := range paragraphGap.Split(text, -1) {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// pageSpan is the byte range [start, end) of one page in the joined text.
type pageSpan struct {
	page       int
	start, end int
}

// JoinPages returns the document's normalized text: the normalized text of
// every page without an error and with non-empty content, in page order,
// separated by PageSeparator.
func JoinPages(pages []document.ExtractedPage) string {
	text, _ := joinPages(pages)
	return text
}

func joinPages(pages []document.ExtractedPage) (string, []pageSpan) {
	var (
		b     strings.Builder
		spans []pageSpan
	)
	for _, p := range pages {
		if p.Err != nil {
			continue
		}
		text := Normalize(p.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(PageSeparator)
		}
		start := b.Len()
		b.WriteString(text)
		spans = append(spans, pageSpan{page: p.PageNumber, start: start, end: b.Len()})
	}
	return b.String(), spans
}

// pageAt returns the page holding byte offset off. Separator bytes belong
// to the page before them.
func pageAt(spans []pageSpan, off int) int {
	page := spans[0].page
	for _, s := range spans {
		if s.start > off {
			break
		}
		page = s.page
	}
	return page
}
