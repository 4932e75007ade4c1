// Package extract turns uploaded bytes plus a MIME type into plain UTF-8
// text, preserving paragraph breaks, with non-fatal warnings surfaced
// alongside the text. It carries one reader per format contracts and
// statute compilations actually arrive in: PDF, Word, spreadsheet
// annexes, and plain text. All readers work directly on the uploaded
// bytes; nothing is written to disk.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexreason/legalcore"
)

// Extractor converts an uploaded document into plain text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mime string) (text string, warnings []string, err error)
}

var extByMime = map[string]string{
	"application/pdf": "pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       "xlsx",
	"application/vnd.ms-excel": "xlsx",
	"text/plain":               "txt",
}

// Default is the standard Extractor.
type Default struct{}

// New builds the standard extractor.
func New() *Default {
	return &Default{}
}

// Extract implements Extractor.
func (d *Default) Extract(ctx context.Context, data []byte, mime string) (string, []string, error) {
	if len(data) == 0 {
		return "", nil, legalcore.New(legalcore.KindInvalidInput, "extractor input is empty")
	}

	var text string
	var warnings []string
	var err error
	switch extByMime[mime] {
	case "txt":
		text = string(data)
	case "pdf":
		text, warnings, err = pdfText(data)
	case "docx":
		text, warnings, err = docxText(data)
	case "xlsx":
		text, warnings, err = xlsxText(data)
	default:
		return "", nil, legalcore.New(legalcore.KindInvalidInput, fmt.Sprintf("unsupported mime type: %s", mime))
	}
	if err != nil {
		return "", nil, err
	}

	normalized := normalizeParagraphs(text)
	if normalized == "" {
		warnings = append(warnings, "extractor produced no text")
	}
	return normalized, warnings, nil
}

// normalizeParagraphs collapses excess blank lines while preserving
// paragraph breaks.
func normalizeParagraphs(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var out []string
	blank := false
	for _, l := range lines {
		trimmed := strings.TrimRight(l, " \t")
		if strings.TrimSpace(trimmed) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
