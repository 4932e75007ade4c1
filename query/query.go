// Package query parses a natural-language legal question into an Intent
// describing what it asks for — law name, article, chapter, section —
// so the retriever (package retrieval) can route it.
package query

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/lexreason/legalcore/legal"
)

// Type classifies what kind of lookup a query calls for.
type Type string

const (
	PreciseArticle Type = "PRECISE_ARTICLE"
	ChapterLevel   Type = "CHAPTER_LEVEL"
	Semantic       Type = "SEMANTIC"
	// Complex is reserved for queries naming several distinct
	// law+article pairs. Analyze currently records only the first pair
	// and still returns PreciseArticle; nothing produces this value yet.
	// See DESIGN.md for the recorded decision.
	Complex Type = "COMPLEX"
)

// Intent is the parsed form of one query.
type Intent struct {
	OriginalQuery string
	LawName       string
	ArticleNumber string
	Chapter       string
	Section       string
	QueryType     Type
}

// IsPreciseQuery reports whether the query targets a specific article
// or chapter rather than asking an open-ended question.
func (i Intent) IsPreciseQuery() bool {
	return i.QueryType == PreciseArticle || i.QueryType == ChapterLevel
}

// HasExactMatchInfo reports whether both a law name and an article
// number were recognized, enough for a metadata-filtered exact lookup.
func (i Intent) HasExactMatchInfo() bool {
	return i.LawName != "" && i.ArticleNumber != ""
}

var (
	lawNameBracketedRe = regexp.MustCompile(`《([^》]+)》`)
	articleRe          = regexp.MustCompile(`第[0-9一二三四五六七八九十百千零]+条`)
	chapterRe          = regexp.MustCompile(`第[0-9一二三四五六七八九十百千零]+章`)
	sectionRe          = regexp.MustCompile(`第[0-9一二三四五六七八九十百千零]+节`)
	markerStartRe      = regexp.MustCompile(`第[0-9一二三四五六七八九十百千零]+(?:条|章|节)`)
)

const prcPrefix = "中华人民共和国"

// Analyze parses q into an Intent. It is a pure function: no I/O,
// deterministic on its input.
func Analyze(q string) Intent {
	intent := Intent{OriginalQuery: q}

	intent.LawName = extractLawName(q)
	intent.ArticleNumber = extractNormalized(q, articleRe, '条')
	intent.Chapter = extractRaw(q, chapterRe)
	intent.Section = extractRaw(q, sectionRe)

	switch {
	case intent.ArticleNumber != "":
		intent.QueryType = PreciseArticle
	case intent.Chapter != "":
		intent.QueryType = ChapterLevel
	default:
		intent.QueryType = Semantic
	}

	return intent
}

// extractLawName pulls the law's short name out of the query: a 《 》
// bracketed title takes priority, with the 中华人民共和国 prefix removed
// when it precedes the short name; unbracketed queries (e.g.
// "民法典第1198条") fall back to the text immediately preceding a
// 第...条/章/节 marker.
func extractLawName(q string) string {
	if m := lawNameBracketedRe.FindStringSubmatch(q); m != nil && m[1] != "" {
		return strings.TrimPrefix(m[1], prcPrefix)
	}
	return extractUnbracketedLawName(q)
}

// extractUnbracketedLawName walks backward in runes from the first
// article/chapter/section marker, collecting contiguous CJK characters,
// so punctuation or non-Han filler text stops the scan before the law
// name ("民法典第1198条" -> "民法典", "环境保护法第30条" -> "环境保护法").
func extractUnbracketedLawName(q string) string {
	loc := markerStartRe.FindStringIndex(q)
	if loc == nil {
		return ""
	}
	runes := []rune(q[:loc[0]])
	start := len(runes)
	for start > 0 && unicode.Is(unicode.Han, runes[start-1]) {
		start--
	}
	name := string(runes[start:])
	if name == "" {
		return ""
	}
	return strings.TrimPrefix(name, prcPrefix)
}

// extractNormalized returns the first match of re, normalized to
// canonical Chinese numeral form via package legal.
func extractNormalized(q string, re *regexp.Regexp, marker rune) string {
	raw := extractRaw(q, re)
	if raw == "" {
		return ""
	}
	if canon, ok := legal.NormalizeLabel(raw, marker); ok {
		return canon
	}
	return raw
}

func extractRaw(q string, re *regexp.Regexp) string {
	m := re.FindString(q)
	return m
}
