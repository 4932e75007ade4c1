// Package legal implements the hierarchy-aware Chinese legal document
// splitter: it turns plain UTF-8 text into an ordered list of Segments
// carrying book/chapter/section/article metadata and bounded token counts.
//
// Split is a pure function of (text, category, config): deterministic,
// no I/O, no network calls. Callers (package ingest) are responsible for
// embedding and persisting the returned Segments.
package legal

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lexreason/legalcore"
)

// Category mirrors the Document.category enum.
type Category string

const (
	Law              Category = "LAW"
	Regulation       Category = "REGULATION"
	Case             Category = "CASE"
	ContractTemplate Category = "CONTRACT_TEMPLATE"
	General          Category = "GENERAL"
)

// SplitType records which branch of the algorithm produced a Segment.
type SplitType string

const (
	SplitArticle   SplitType = "article"
	SplitParagraph SplitType = "paragraph"
)

// Metadata is the hierarchy/provenance data carried by a Segment.
type Metadata struct {
	Book           string
	Chapter        string
	Section        string
	ArticleNumber  string
	Part           int
	TotalParts     int
	SplitType      SplitType
	SourceFilename string
	Category       Category
}

// Segment is the retrieval atom produced by Split.
type Segment struct {
	Ordinal         int
	Text            string
	EstimatedTokens int
	Metadata        Metadata
}

// Config controls the splitter.
type Config struct {
	MaxTokens     int
	Overlap       int // characters of trailing text preserved at each cut
	MinChunkChars int
}

// EstimateTokens implements the splitter's token-estimation contract:
// ceil(len(text_bytes_utf8) / 3), calibrated for Chinese-dominant text
// where each Han character is 3 UTF-8 bytes and roughly one token.
func EstimateTokens(text string) int {
	n := len(text) // byte length, not rune count
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / 3.0))
}

var (
	bookRe    = regexp.MustCompile(`^\s*第[0-9一二三四五六七八九十百千零]+编(?:\s*[\p{Han}A-Za-z0-9]+)?\s*$`)
	chapterRe = regexp.MustCompile(`^\s*第[0-9一二三四五六七八九十百千零]+章(?:\s*[\p{Han}A-Za-z0-9]+)?\s*$`)
	sectionRe = regexp.MustCompile(`^\s*第[0-9一二三四五六七八九十百千零]+节(?:\s*[\p{Han}A-Za-z0-9]+)?\s*$`)
	articleRe = regexp.MustCompile(`^\s*(第[0-9一二三四五六七八九十百千零]+条)`)
)

// Split segments a document's plain text into hierarchy-tagged,
// token-bounded Segments.
func Split(text string, category Category, cfg Config, sourceFilename string) ([]Segment, error) {
	cfg = withDefaults(cfg)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, legalcore.New(legalcore.KindInvalidInput, "splitter input is empty")
	}

	articles := scanArticles(text, category, sourceFilename)
	if len(articles) == 0 {
		return splitFallback(trimmed, cfg, category, sourceFilename), nil
	}

	var segments []Segment
	ordinal := 0
	for _, a := range articles {
		parts := splitArticleBody(a.body, cfg)
		total := len(parts)
		for i, part := range parts {
			meta := a.meta
			meta.SplitType = SplitArticle
			if total > 1 {
				meta.Part = i + 1
				meta.TotalParts = total
			}
			trimmedPart := strings.TrimSpace(part)
			if utf8.RuneCountInString(trimmedPart) < cfg.MinChunkChars && meta.ArticleNumber == "" {
				continue
			}
			segments = append(segments, Segment{
				Ordinal:         ordinal,
				Text:            trimmedPart,
				EstimatedTokens: EstimateTokens(trimmedPart),
				Metadata:        meta,
			})
			ordinal++
		}
	}
	return segments, nil
}

type scannedArticle struct {
	body string
	meta Metadata
}

// scanArticles runs the hierarchy pre-scan and article detection in one
// line-by-line pass.
func scanArticles(text string, category Category, sourceFilename string) []scannedArticle {
	lines := strings.Split(text, "\n")

	var book, chapter, section string
	var articles []scannedArticle
	var current *scannedArticle
	var body strings.Builder

	flush := func() {
		if current != nil {
			current.body = body.String()
			articles = append(articles, *current)
			current = nil
			body.Reset()
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case bookRe.MatchString(line):
			flush()
			book, chapter, section = trimmed, "", ""
			continue
		case chapterRe.MatchString(line):
			flush()
			chapter, section = trimmed, ""
			continue
		case sectionRe.MatchString(line):
			flush()
			section = trimmed
			continue
		}

		if m := articleRe.FindStringSubmatch(line); m != nil {
			flush()
			label := m[1]
			normalized := label
			if canon, ok := NormalizeLabel(label, '条'); ok {
				normalized = canon
			}
			current = &scannedArticle{
				meta: Metadata{
					Book:           book,
					Chapter:        chapter,
					Section:        section,
					ArticleNumber:  normalized,
					SourceFilename: sourceFilename,
					Category:       category,
				},
			}
			// the article's own first line is part of its body, marker included
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}

		if current != nil {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()

	return articles
}

// splitArticleBody applies the token budget to a single article, splitting
// on paragraph then sentence boundaries with Overlap characters of
// trailing context preserved at each cut.
func splitArticleBody(text string, cfg Config) []string {
	if EstimateTokens(text) <= cfg.MaxTokens {
		return []string{text}
	}

	paragraphs := splitOnSeparator(text, "\n\n")
	if len(paragraphs) <= 1 {
		paragraphs = splitOnSeparator(text, "\n")
	}

	var parts []string
	var buf strings.Builder
	overlap := ""

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		parts = append(parts, strings.TrimSpace(buf.String()))
		overlap = tailChars(buf.String(), cfg.Overlap)
		buf.Reset()
	}

	for _, para := range paragraphs {
		if EstimateTokens(para) > cfg.MaxTokens {
			flush()
			for _, sentFrag := range splitBySentenceBudget(para, cfg, overlap) {
				parts = append(parts, sentFrag)
			}
			if len(parts) > 0 {
				overlap = tailChars(parts[len(parts)-1], cfg.Overlap)
			}
			continue
		}

		candidate := para
		if buf.Len() > 0 {
			candidate = buf.String() + "\n\n" + para
		} else if overlap != "" {
			candidate = overlap + "\n\n" + para
		}

		if EstimateTokens(candidate) > cfg.MaxTokens && buf.Len() > 0 {
			flush()
			if overlap != "" {
				buf.WriteString(overlap)
				buf.WriteString("\n\n")
			}
			buf.WriteString(para)
			continue
		}

		buf.Reset()
		buf.WriteString(candidate)
	}
	flush()

	if len(parts) == 0 {
		return []string{text}
	}
	return parts
}

// splitBySentenceBudget splits a single over-budget paragraph by sentence
// boundary, carrying initialOverlap into the first fragment.
func splitBySentenceBudget(text string, cfg Config, initialOverlap string) []string {
	sentences := splitSentences(text)
	var frags []string
	var buf strings.Builder
	if initialOverlap != "" {
		buf.WriteString(initialOverlap)
		buf.WriteString(" ")
	}

	for _, s := range sentences {
		candidate := s
		if buf.Len() > 0 {
			candidate = buf.String() + s
		}
		if EstimateTokens(candidate) > cfg.MaxTokens && buf.Len() > 0 {
			frags = append(frags, strings.TrimSpace(buf.String()))
			overlap := tailChars(buf.String(), cfg.Overlap)
			buf.Reset()
			if overlap != "" {
				buf.WriteString(overlap)
				buf.WriteString(" ")
			}
			buf.WriteString(s)
			continue
		}
		buf.WriteString(s)
	}
	if buf.Len() > 0 {
		frags = append(frags, strings.TrimSpace(buf.String()))
	}
	if len(frags) == 0 {
		return []string{text}
	}
	return frags
}

// splitFallback handles documents with zero detected articles: recursive
// splitting by separators tried in order.
func splitFallback(text string, cfg Config, category Category, sourceFilename string) []Segment {
	maxBytes := cfg.MaxTokens * 3
	chunks := recursiveSplit(text, maxBytes)

	var segments []Segment
	ordinal := 0
	for _, c := range chunks {
		trimmedC := strings.TrimSpace(c)
		if utf8.RuneCountInString(trimmedC) < cfg.MinChunkChars {
			continue
		}
		segments = append(segments, Segment{
			Ordinal:         ordinal,
			Text:            trimmedC,
			EstimatedTokens: EstimateTokens(trimmedC),
			Metadata: Metadata{
				SplitType:      SplitParagraph,
				SourceFilename: sourceFilename,
				Category:       category,
			},
		})
		ordinal++
	}
	return segments
}

var recursiveSeparators = []string{"\n\n", "\n", "。", ". ", "！", "!", "？", "?", ""}

// recursiveSplit tries separators in order, splitting text into pieces no
// longer than maxBytes; when a separator yields a still-too-long piece it
// recurses with the next separator, falling back to a hard character cut.
func recursiveSplit(text string, maxBytes int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}
	return recursiveSplitAt(text, maxBytes, 0)
}

func recursiveSplitAt(text string, maxBytes int, sepIdx int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}
	if sepIdx >= len(recursiveSeparators) {
		return hardSplit(text, maxBytes)
	}

	sep := recursiveSeparators[sepIdx]
	if sep == "" {
		return hardSplit(text, maxBytes)
	}

	pieces := splitOnSeparator(text, sep)
	if len(pieces) <= 1 {
		return recursiveSplitAt(text, maxBytes, sepIdx+1)
	}

	var out []string
	var buf strings.Builder
	for _, p := range pieces {
		candidate := p
		if buf.Len() > 0 {
			candidate = buf.String() + sep + p
		}
		if len(candidate) > maxBytes && buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
			buf.WriteString(p)
			continue
		}
		buf.Reset()
		buf.WriteString(candidate)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}

	var final []string
	for _, o := range out {
		if len(o) > maxBytes {
			final = append(final, recursiveSplitAt(o, maxBytes, sepIdx+1)...)
		} else {
			final = append(final, o)
		}
	}
	return final
}

func hardSplit(text string, maxBytes int) []string {
	runes := []rune(text)
	var out []string
	var buf strings.Builder
	for _, r := range runes {
		if buf.Len()+len(string(r)) > maxBytes && buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
		buf.WriteRune(r)
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

func splitOnSeparator(text, sep string) []string {
	raw := strings.Split(text, sep)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '?' || r == '!' || r == '。' || r == '？' || r == '！' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' || r == '。' || r == '？' || r == '！' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// tailChars returns the trailing n characters (runes) of text, used as the
// Overlap preserved at each cut.
func tailChars(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[len(runes)-n:])
}

func withDefaults(cfg Config) Config {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 50
	}
	if cfg.MinChunkChars <= 0 {
		cfg.MinChunkChars = 30
	}
	return cfg
}
