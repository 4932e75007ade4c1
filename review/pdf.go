package review

import (
	"bytes"
	"fmt"
	"strings"
)

// RenderPDF writes the report as a minimal single-or-multi-page PDF.
// The report is just laid-out text, so this builds the small, fixed
// object graph a valid PDF needs directly: a catalog, a pages tree, one
// content stream per page, and a cross-reference table with correct byte
// offsets.
func RenderPDF(filename string, report Report) []byte {
	lines := reportLines(filename, report)
	pages := paginate(lines, 46)
	if len(pages) == 0 {
		pages = [][]string{{}}
	}

	var buf bytes.Buffer
	offsets := make(map[int]int)

	buf.WriteString("%PDF-1.4\n")

	// Object 1: catalog. Object 2: pages tree. Objects 3..3+n-1: pages.
	// Objects 3+n..3+2n-1: content streams. Object 3+2n: the shared font.
	contentObjStart := 3 + len(pages)
	fontObj := contentObjStart + len(pages)
	totalObjs := fontObj

	offsets[1] = buf.Len()
	fmt.Fprintf(&buf, "1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = buf.Len()
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}
	fmt.Fprintf(&buf, "2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		strings.Join(kids, " "), len(pages))

	for i, pageLines := range pages {
		pageObj := 3 + i
		contentObj := contentObjStart + i

		offsets[pageObj] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 %d 0 R >> >> /MediaBox [0 0 612 792] /Contents %d 0 R >>\nendobj\n",
			pageObj, fontObj, contentObj)

		content := renderContentStream(pageLines)
		offsets[contentObj] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n",
			contentObj, len(content), content)
	}

	offsets[fontObj] = buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n", fontObj)

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", totalObjs+1)
	buf.WriteString("0000000000 65535 f \n")
	for obj := 1; obj <= totalObjs; obj++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[obj])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", totalObjs+1, xrefStart)

	return buf.Bytes()
}

// renderContentStream lays out lines top-down in 11pt Helvetica with
// 12pt leading,
// escaping PDF string-literal metacharacters.
func renderContentStream(lines []string) string {
	var b strings.Builder
	b.WriteString("BT /F1 11 Tf 12 TL 40 770 Td\n")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("T*\n")
		}
		fmt.Fprintf(&b, "(%s) Tj\n", escapePDFString(line))
	}
	b.WriteString("ET")
	return b.String()
}

func escapePDFString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `(`, `\(`)
	s = strings.ReplaceAll(s, `)`, `\)`)
	return s
}

func paginate(lines []string, perPage int) [][]string {
	if perPage <= 0 {
		perPage = 46
	}
	var pages [][]string
	for start := 0; start < len(lines); start += perPage {
		end := start + perPage
		if end > len(lines) {
			end = len(lines)
		}
		pages = append(pages, lines[start:end])
	}
	return pages
}

// reportLines flattens a Report into the plain-text lines the renderer
// lays out, in the report's section order.
func reportLines(filename string, r Report) []string {
	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("Contract Review Report: %s", filename)
	add("")
	add("Executive Summary")
	add("  Risk level: %s", valueOr(r.ExecutiveSummary.RiskLevel, "n/a"))
	add("  Compliance score: %d", r.ComplianceScore)
	if len(r.ExecutiveSummary.CoreRisks) == 0 {
		add("  Core risks: none")
	} else {
		add("  Core risks:")
		for _, risk := range r.ExecutiveSummary.CoreRisks {
			add("    - %s", risk)
		}
	}
	add("")

	add("Risk Dimensions")
	if len(r.RiskDimensions) == 0 {
		add("  none")
	}
	for _, d := range r.RiskDimensions {
		add("  [%s] %s (%d pts): %s", strings.ToUpper(d.RiskLevel), d.DimensionName, d.RiskPoints, d.Description)
	}
	add("")

	add("Key Clauses")
	if len(r.KeyClauses) == 0 {
		add("  none")
	}
	for _, c := range r.KeyClauses {
		add("  %s (%s): %s", c.Title, c.Importance, c.Analysis)
	}
	add("")

	add("Improvement Suggestions")
	if len(r.ImprovementSuggestions) == 0 {
		add("  none")
	}
	for _, s := range r.ImprovementSuggestions {
		add("  [%s] %s -> %s", strings.ToUpper(s.Priority), s.Problem, s.Modification)
	}

	return lines
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
