package legal

import (
	"strings"
	"testing"
)

func defaultTestConfig() Config {
	return Config{MaxTokens: 512, Overlap: 50, MinChunkChars: 5}
}

// TestSplitHierarchy checks hierarchy metadata propagation through a
// book/chapter/section/article document.
func TestSplitHierarchy(t *testing.T) {
	text := `第一编 总则
第一章 基本规定
第一条 为了保护民事主体的合法权益，调整民事关系，维护社会和经济秩序，适应中国特色社会主义发展要求，弘扬社会主义核心价值观，根据宪法，制定本法。
第二条 民法调整平等主体的自然人、法人和非法人组织之间的人身关系和财产关系。
第二章 自然人
第一节 民事权利能力和民事行为能力
第十三条 自然人从出生时起到死亡时止，具有民事权利能力，依法享有民事权利，承担民事义务。
`
	segs, err := Split(text, Law, defaultTestConfig(), "civil_code.txt")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("len(segments) = %d, want 3", len(segs))
	}

	wantArticles := []string{"第一条", "第二条", "第十三条"}
	for i, seg := range segs {
		if seg.Metadata.ArticleNumber != wantArticles[i] {
			t.Errorf("segment[%d].ArticleNumber = %q, want %q", i, seg.Metadata.ArticleNumber, wantArticles[i])
		}
		if seg.Ordinal != i {
			t.Errorf("segment[%d].Ordinal = %d, want %d", i, seg.Ordinal, i)
		}
	}

	third := segs[2]
	if third.Metadata.Chapter != "第二章 自然人" {
		t.Errorf("third.Chapter = %q, want %q", third.Metadata.Chapter, "第二章 自然人")
	}
	if third.Metadata.Section != "第一节 民事权利能力和民事行为能力" {
		t.Errorf("third.Section = %q, want %q", third.Metadata.Section, "第一节 民事权利能力和民事行为能力")
	}
}

func TestSplitFallbackParagraphs(t *testing.T) {
	text := "This is a contract with no legal article markers.\n\nIt simply has prose paragraphs that should be split by the recursive fallback splitter when no articles are detected anywhere in the document."
	segs, err := Split(text, General, defaultTestConfig(), "contract.txt")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segs) == 0 {
		t.Fatal("expected at least one fallback segment")
	}
	for _, s := range segs {
		if s.Metadata.SplitType != SplitParagraph {
			t.Errorf("segment split_type = %q, want %q", s.Metadata.SplitType, SplitParagraph)
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	_, err := Split("   \n  ", General, defaultTestConfig(), "")
	if err == nil {
		t.Fatal("expected error for empty input")
	}
}

// TestSplitTokenBound: every emitted segment satisfies
// estimatedTokens <= MaxTokens * 1.2.
func TestSplitTokenBound(t *testing.T) {
	var body strings.Builder
	body.WriteString("第一条 ")
	for i := 0; i < 2000; i++ {
		body.WriteString("合同各方应当遵循诚实信用原则履行各自的义务。")
	}
	cfg := Config{MaxTokens: 200, Overlap: 20, MinChunkChars: 5}
	segs, err := Split(body.String(), Law, cfg, "long.txt")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segs) < 2 {
		t.Fatalf("expected article to be split into multiple parts, got %d", len(segs))
	}
	for _, s := range segs {
		limit := int(float64(cfg.MaxTokens) * 1.2)
		if s.EstimatedTokens > limit {
			t.Errorf("segment exceeds token bound: %d > %d", s.EstimatedTokens, limit)
		}
	}
	if segs[0].Metadata.TotalParts != len(segs) {
		t.Errorf("TotalParts = %d, want %d", segs[0].Metadata.TotalParts, len(segs))
	}
	for i, s := range segs {
		if s.Metadata.Part != i+1 {
			t.Errorf("segment[%d].Part = %d, want %d", i, s.Metadata.Part, i+1)
		}
		if s.Metadata.ArticleNumber != "第一条" {
			t.Errorf("segment[%d].ArticleNumber = %q, want 第一条", i, s.Metadata.ArticleNumber)
		}
	}
}

func TestSplitQualityFilterDropsShortNonArticleSegments(t *testing.T) {
	// No article marker, so the fallback splitter cuts this into three
	// paragraph segments; the 3-character middle one carries no
	// article_number and must be dropped.
	text := "甲方应当按时付款\n\n短句子\n\n乙方应当及时交货"
	cfg := Config{MaxTokens: 10, Overlap: 10, MinChunkChars: 5}
	segs, err := Split(text, Law, cfg, "doc.txt")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for _, s := range segs {
		if len([]rune(s.Text)) < cfg.MinChunkChars && s.Metadata.ArticleNumber == "" {
			t.Errorf("segment shorter than MinChunkChars survived filtering: %q", s.Text)
		}
	}
}
