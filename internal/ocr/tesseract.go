package ocr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Recognition is the text and mean word confidence (0-100) of one image.
type Recognition struct {
	Text       string
	Confidence float64
}

// Engine recognizes text in a page image.
type Engine interface {
	Recognize(ctx context.Context, imagePath string) (Recognition, error)
}

// Tesseract runs the tesseract CLI in TSV mode so word confidences are available.
type Tesseract struct {
	Binary string // Defaults to "tesseract"
	Lang   string // Defaults to "eng"
	Runner CommandRunner
}

// Recognize runs tesseract on imagePath.
func (t *Tesseract) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	binary := t.Binary
	if binary == "" {
		binary = "tesseract"
	}
	lang := t.Lang
	if lang == "" {
		lang = "eng"
	}
	runner := t.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	out, err := runner.Run(ctx, binary, imagePath, "stdout", "-l", lang, "--psm", "3", "tsv")
	if err != nil {
		return Recognition{}, fmt.Errorf("tesseract: %w", err)
	}
	return ParseTSV(out)
}

// TSV columns: level page_num block_num par_num line_num word_num left top width height conf text
const (
	colBlock = 2
	colPar   = 3
	colLine  = 4
	colConf  = 10
	colText  = 11
)

// ParseTSV rebuilds page text from tesseract TSV output, one line per
// recognized line and a blank line between paragraphs. Confidence is the
// mean over words with non-negative confidence; a page without words has 0.
func ParseTSV(data []byte) (Recognition, error) {
	var (
		text       strings.Builder
		sum        float64
		words      int
		lastBlock  = -1
		lastPar    = -1
		lastLine   = -1
		lineHasTxt bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			if strings.HasPrefix(scanner.Text(), "level") {
				continue
			}
		}
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < colText+1 {
			continue
		}
		conf, err := strconv.ParseFloat(fields[colConf], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(fields[colText])
		if word == "" {
			continue
		}
		block, _ := strconv.Atoi(fields[colBlock])
		par, _ := strconv.Atoi(fields[colPar])
		line, _ := strconv.Atoi(fields[colLine])

		switch {
		case words == 0:
		case block != lastBlock || par != lastPar:
			text.WriteString("\n\n")
			lineHasTxt = false
		case line != lastLine:
			text.WriteString("\n")
			lineHasTxt = false
		}
		if lineHasTxt {
			text.WriteByte(' ')
		}
		text.WriteString(word)
		lineHasTxt = true
		lastBlock, lastPar, lastLine = block, par, line

		sum += conf
		words++
	}
	if err := scanner.Err(); err != nil {
		return Recognition{}, fmt.Errorf("parse tesseract tsv: %w", err)
	}

	r := Recognition{Text: text.String()}
	if words > 0 {
		r.Confidence = sum / float64(words)
	}
	return r, nil
}
