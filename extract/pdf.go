package extract

import (
	"bytes"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/lexreason/legalcore"
)

// pdfText extracts visually-ordered text from a PDF. Statute PDFs put
// 第...条 markers at the start of a line, and the splitter's article
// detection depends on that, so text is reassembled line by line in
// top-to-bottom reading order rather than in content-stream order.
// Repeated page banners are stripped before the pages are joined.
func pdfText(data []byte) (string, []string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, legalcore.Wrap(legalcore.KindInvalidInput, "opening PDF", err)
	}

	var pages [][]string
	var warnings []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		lines, err := pageLines(page)
		if err != nil {
			warnings = append(warnings, "skipped an unreadable PDF page")
			continue
		}
		if len(lines) > 0 {
			pages = append(pages, lines)
		}
	}

	pages = stripRepeatedBanners(pages)

	var b strings.Builder
	for _, lines := range pages {
		for _, l := range lines {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return b.String(), warnings, nil
}

// pageLines reassembles one page's text elements into visual lines.
// Elements whose Y coordinates fall within a small tolerance belong to
// the same line; within a line the content-stream order is kept (sorting
// by X garbles PDFs with negative text matrices), and lines are then
// ordered top to bottom (PDF Y grows upward from the bottom-left
// origin).
func pageLines(page pdf.Page) ([]string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		plain, err := page.GetPlainText(nil)
		if err != nil {
			return nil, err
		}
		return nonEmptyLines(plain), nil
	}

	const yTolerance = 3.0
	type line struct {
		y    float64
		text strings.Builder
	}

	var lines []*line
	var cur *line
	for _, el := range content.Text {
		if cur == nil || math.Abs(el.Y-cur.y) > yTolerance {
			cur = &line{y: el.Y}
			lines = append(lines, cur)
		}
		cur.text.WriteString(el.S)
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].y > lines[j].y })

	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l.text.String()); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// stripRepeatedBanners removes running headers and footers: contract
// PDFs stamp a banner ("MASTER SERVICE AGREEMENT — CONFIDENTIAL", a page
// number line) on every page, and statute compilations repeat the law
// title. Left in place those lines would be indexed into nearly every
// segment. A line is treated as a banner when it sits at a page's edge
// (first or last two lines) and the same text appears at the edges of
// most pages.
func stripRepeatedBanners(pages [][]string) [][]string {
	if len(pages) < 3 {
		return pages
	}

	counts := make(map[string]int)
	for _, lines := range pages {
		for _, l := range edgeLines(lines) {
			counts[l]++
		}
	}

	threshold := (len(pages)*2 + 2) / 3 // repeated on at least ~2/3 of pages
	banners := make(map[string]bool)
	for text, n := range counts {
		if n >= threshold {
			banners[text] = true
		}
	}
	if len(banners) == 0 {
		return pages
	}

	out := make([][]string, 0, len(pages))
	for _, lines := range pages {
		edges := edgeLines(lines)
		kept := make([]string, 0, len(lines))
		for i, l := range lines {
			if banners[l] && isEdge(i, len(lines)) && contains(edges, l) {
				continue
			}
			kept = append(kept, l)
		}
		out = append(out, kept)
	}
	return out
}

// edgeLines returns the candidate banner positions of one page: its
// first and last two lines.
func edgeLines(lines []string) []string {
	var out []string
	for i, l := range lines {
		if isEdge(i, len(lines)) {
			out = append(out, l)
		}
	}
	return out
}

func isEdge(i, total int) bool {
	return i < 2 || i >= total-2
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}
