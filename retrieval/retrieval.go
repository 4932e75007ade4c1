// Package retrieval implements hybrid search over the segment index:
// metadata-filtered exact lookup layered over ANN vector search, with a
// deterministic anti-adjacency ordering guarantee for precise-article
// queries. Precise branches are tried first and short-circuit; the
// weighted vector fallback only runs when they miss.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/query"
	"github.com/lexreason/legalcore/store"
)

// Branch records which algorithm step produced a ScoredSegment, surfaced
// for logging/tracing and for tests asserting the anti-adjacency
// guarantee.
type Branch string

const (
	BranchExact   Branch = "exact_article"
	BranchChapter Branch = "chapter"
	BranchVector  Branch = "vector"
)

// ScoredSegment is a retrieval hit: a Segment plus the score/branch that
// produced it.
type ScoredSegment struct {
	store.SegmentHit
	PrecisionScore float64
	Branch         Branch
}

// Retriever performs hybrid retrieval.
type Retriever struct {
	store    *store.Store
	embedder llmport.Embedder
}

// New builds a Retriever over s, using embedder for the vector-fallback
// branch's query embedding.
func New(s *store.Store, embedder llmport.Embedder) *Retriever {
	return &Retriever{store: s, embedder: embedder}
}

// Search returns the top k segments for q.
//
// Branch A (exact article match) and Branch B (chapter match) return
// immediately on any hit; the vector fallback only runs when neither
// precise branch produced a result, or when intent carries no precise
// information at all. The anti-adjacency guarantee — a segment whose
// article number equals the query's is never outranked by one whose
// doesn't — holds in the common case by construction: whenever
// Branch A has at least one hit for a PRECISE_ARTICLE query, those are
// the only results returned, so a same-article segment can never be
// outranked by a cosine-similar neighbor. For the remaining case — a
// PRECISE_ARTICLE query whose exact-match branch misses (e.g. the law
// name wasn't recognized or the metadata filter found nothing) but the
// target article is still present among the vector-fallback candidates
// — vectorFallback itself re-enforces the guarantee as a post-filter.
func (r *Retriever) Search(ctx context.Context, q string, k int) ([]ScoredSegment, error) {
	if k <= 0 {
		k = 5
	}
	intent := query.Analyze(q)

	if intent.HasExactMatchInfo() {
		hits, err := r.store.SearchByMetadata(ctx, store.MetadataFilter{
			ArticleNumber:   intent.ArticleNumber,
			LawNameContains: intent.LawName,
		}, k)
		if err != nil {
			slog.Warn("retrieval: exact-match branch failed, degrading to vector fallback", "error", err)
		} else if len(hits) > 0 {
			return scoreExact(hits, BranchExact, 1.0), nil
		}
	}

	if intent.QueryType == query.ChapterLevel && intent.Chapter != "" {
		hits, err := r.store.SearchByMetadata(ctx, store.MetadataFilter{Chapter: intent.Chapter}, k)
		if err != nil {
			slog.Warn("retrieval: chapter branch failed, degrading to vector fallback", "error", err)
		} else if len(hits) > 0 {
			return scoreExact(hits, BranchChapter, 0.8), nil
		}
	}

	return r.vectorFallback(ctx, q, intent, k)
}

// scoreExact assigns the fixed precision_score for a precise branch and
// preserves ordinal order.
func scoreExact(hits []store.SegmentHit, branch Branch, score float64) []ScoredSegment {
	out := make([]ScoredSegment, len(hits))
	for i, h := range hits {
		out[i] = ScoredSegment{SegmentHit: h, PrecisionScore: score, Branch: branch}
	}
	return out
}

// vectorFallback runs the ANN search over max(k, 20) candidates,
// re-scores them with the metadata weights, and truncates to k. A fully
// empty result is success, not an error.
func (r *Retriever) vectorFallback(ctx context.Context, q string, intent query.Intent, k int) ([]ScoredSegment, error) {
	kPrime := k
	if kPrime < 20 {
		kPrime = 20
	}

	vecs, err := r.embedder.Embed(ctx, []string{q})
	if err != nil || len(vecs) == 0 {
		if err != nil {
			slog.Warn("retrieval: embedding query failed, returning empty result", "error", err)
		}
		return nil, nil
	}

	hits, err := r.store.SearchANN(ctx, vecs[0], kPrime)
	if err != nil {
		slog.Warn("retrieval: vector index search failed, returning empty result", "error", err)
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	scored := make([]ScoredSegment, len(hits))
	for i, h := range hits {
		final := h.Score
		if h.ArticleNumber != "" {
			final += 0.1
		}
		if intent.LawName != "" && strings.Contains(h.SourceFilename, intent.LawName) {
			final += 0.05
		}
		scored[i] = ScoredSegment{SegmentHit: h, PrecisionScore: final, Branch: BranchVector}
	}

	// Anti-adjacency post-filter: for
	// a PRECISE_ARTICLE query, a segment matching intent.ArticleNumber
	// must never be outranked by one that doesn't, even here in the
	// cosine-ranked fallback.
	wantArticle := intent.QueryType == query.PreciseArticle && intent.ArticleNumber != ""
	sort.SliceStable(scored, func(i, j int) bool {
		if wantArticle {
			mi := scored[i].ArticleNumber == intent.ArticleNumber
			mj := scored[j].ArticleNumber == intent.ArticleNumber
			if mi != mj {
				return mi
			}
		}
		return scored[i].PrecisionScore > scored[j].PrecisionScore
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}
