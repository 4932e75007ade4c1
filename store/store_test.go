//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lexreason/legalcore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Document CRUD + content-hash dedup
// ---------------------------------------------------------------------------

func TestCreateAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, existing, err := s.CreateDocument(ctx, "民法典", "application/pdf", "LAW", "hash-1", `{"pages":10}`)
	if err != nil {
		t.Fatalf("creating document: %v", err)
	}
	if existing {
		t.Fatal("expected a new document, got existing=true")
	}
	if id == 0 {
		t.Fatal("expected non-zero document id")
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("getting document by id: %v", err)
	}
	if got.Title != "民法典" {
		t.Errorf("title: got %q, want %q", got.Title, "民法典")
	}
	if got.Category != "LAW" {
		t.Errorf("category: got %q, want %q", got.Category, "LAW")
	}
}

// TestCreateDocumentDedup: identical content hashes resolve to one row.
func TestCreateDocumentDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, existing1, err := s.CreateDocument(ctx, "合同模板", "application/pdf", "CONTRACT_TEMPLATE", "same-hash", "")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if existing1 {
		t.Fatal("first call should not report existing")
	}

	id2, existing2, err := s.CreateDocument(ctx, "合同模板", "application/pdf", "CONTRACT_TEMPLATE", "same-hash", "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !existing2 {
		t.Fatal("second call with identical hash should report existing=true")
	}
	if id2 != id1 {
		t.Fatalf("dedup returned different id: %d vs %d", id2, id1)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetDocument(ctx, 999)
	if legalcore.Of(err) != legalcore.KindNotFound {
		t.Fatalf("expected NotFound kind, got %v", err)
	}
}

func TestListDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, h := range []string{"h1", "h2", "h3"} {
		if _, _, err := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", h, ""); err != nil {
			t.Fatalf("insert doc %d: %v", i, err)
		}
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
}

func TestUpdateDocumentCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", "h", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateDocumentCounters(ctx, id, 42, `{"partially_indexed":true}`); err != nil {
		t.Fatalf("update counters: %v", err)
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SegmentCount != 42 {
		t.Errorf("segment_count: got %d, want 42", got.SegmentCount)
	}
	if got.Metadata != `{"partially_indexed":true}` {
		t.Errorf("metadata: got %q", got.Metadata)
	}
}

func TestIncrementFailedBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, _ := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", "h", "")
	if err := s.IncrementFailedBatches(ctx, id); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementFailedBatches(ctx, id); err != nil {
		t.Fatalf("increment again: %v", err)
	}

	got, _ := s.GetDocument(ctx, id)
	if got.FailedBatches != 2 {
		t.Errorf("failed_batches: got %d, want 2", got.FailedBatches)
	}
}

// ---------------------------------------------------------------------------
// DeleteDocument (cascade)
// ---------------------------------------------------------------------------

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", "h", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	segs := []Segment{
		{DocumentID: docID, Ordinal: 0, Content: "first segment", EstimatedTokens: 3, SplitType: "paragraph"},
	}
	ids, err := s.InsertSegmentBatch(ctx, segs, [][]float32{{1, 0, 0, 0}})
	if err != nil {
		t.Fatalf("insert segments: %v", err)
	}

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	if _, err := s.GetDocument(ctx, docID); legalcore.Of(err) != legalcore.KindNotFound {
		t.Fatalf("expected document gone, got err=%v", err)
	}

	remaining, err := s.GetSegmentsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("get segments after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected 0 segments after cascade, got %d", len(remaining))
	}

	hits, err := s.SearchANN(ctx, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("vector search after delete: %v", err)
	}
	for _, h := range hits {
		if h.ID == ids[0] {
			t.Fatal("expected embedding to be removed by cascade")
		}
	}
}

// ---------------------------------------------------------------------------
// Segment batch + vector search
// ---------------------------------------------------------------------------

func sampleSegments(docID int64) []Segment {
	return []Segment{
		{DocumentID: docID, Ordinal: 0, Content: "第一条 总则内容", EstimatedTokens: 4, ArticleNumber: "第一条", SplitType: "article", SourceFilename: "civil_code.txt"},
		{DocumentID: docID, Ordinal: 1, Content: "第二条 定义内容", EstimatedTokens: 4, ArticleNumber: "第二条", SplitType: "article", SourceFilename: "civil_code.txt"},
	}
}

func TestInsertSegmentBatchAndSearchANN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, err := s.CreateDocument(ctx, "民法典", "text/plain", "LAW", "h", "")
	if err != nil {
		t.Fatalf("create doc: %v", err)
	}

	segs := sampleSegments(docID)
	ids, err := s.InsertSegmentBatch(ctx, segs, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	hits, err := s.SearchANN(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search ANN: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ArticleNumber != "第一条" {
		t.Errorf("nearest hit article: got %q, want 第一条", hits[0].ArticleNumber)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("expected first hit score (%f) > second (%f)", hits[0].Score, hits[1].Score)
	}
	if hits[0].DocumentTitle != "民法典" {
		t.Errorf("document title: got %q", hits[0].DocumentTitle)
	}
}

func TestGetSegmentsByDocumentOrdinalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", "h", "")
	segs := sampleSegments(docID)
	if _, err := s.InsertSegmentBatch(ctx, segs, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetSegmentsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got))
	}
	if got[0].ArticleNumber != "第一条" || got[1].ArticleNumber != "第二条" {
		t.Errorf("ordinal order violated: %q, %q", got[0].ArticleNumber, got[1].ArticleNumber)
	}
}

// ---------------------------------------------------------------------------
// SearchByMetadata (exact-article and chapter lookups)
// ---------------------------------------------------------------------------

func TestSearchByMetadataArticleExact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := s.CreateDocument(ctx, "民法典", "text/plain", "LAW", "h", "")
	segs := []Segment{
		{DocumentID: docID, Ordinal: 0, Content: "第一千一百九十七条 ...", EstimatedTokens: 4, ArticleNumber: "第一千一百九十七条", SplitType: "article", SourceFilename: "民法典.txt"},
		{DocumentID: docID, Ordinal: 1, Content: "第一千一百九十八条 ...", EstimatedTokens: 4, ArticleNumber: "第一千一百九十八条", SplitType: "article", SourceFilename: "民法典.txt"},
		{DocumentID: docID, Ordinal: 2, Content: "第一千一百九十九条 ...", EstimatedTokens: 4, ArticleNumber: "第一千一百九十九条", SplitType: "article", SourceFilename: "民法典.txt"},
	}
	if _, err := s.InsertSegmentBatch(ctx, segs, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.SearchByMetadata(ctx, MetadataFilter{ArticleNumber: "第一千一百九十八条", LawNameContains: "民法典"}, 3)
	if err != nil {
		t.Fatalf("search by metadata: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected exactly 1 exact-match hit, got %d", len(hits))
	}
	if hits[0].ArticleNumber != "第一千一百九十八条" {
		t.Errorf("article: got %q", hits[0].ArticleNumber)
	}
}

func TestSearchByMetadataChapter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := s.CreateDocument(ctx, "doc", "text/plain", "LAW", "h", "")
	segs := []Segment{
		{DocumentID: docID, Ordinal: 0, Content: "a", EstimatedTokens: 1, Chapter: "第二章 自然人", SplitType: "article"},
		{DocumentID: docID, Ordinal: 1, Content: "b", EstimatedTokens: 1, Chapter: "第三章 法人", SplitType: "article"},
	}
	if _, err := s.InsertSegmentBatch(ctx, segs, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.SearchByMetadata(ctx, MetadataFilter{Chapter: "第二章 自然人"}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}

	// Queries usually carry only the 第...章 marker, while segments store
	// the full heading; the marker alone must still match by prefix.
	hits, err = s.SearchByMetadata(ctx, MetadataFilter{Chapter: "第二章"}, 10)
	if err != nil {
		t.Fatalf("prefix search: %v", err)
	}
	if len(hits) != 1 || hits[0].Chapter != "第二章 自然人" {
		t.Fatalf("expected the 第二章 heading by prefix, got %+v", hits)
	}
}

func TestSearchByMetadataNoFilterReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hits, err := s.SearchByMetadata(ctx, MetadataFilter{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != nil {
		t.Fatalf("expected nil for empty filter, got %v", hits)
	}
}

// ---------------------------------------------------------------------------
// FTS search
// ---------------------------------------------------------------------------

func TestFTSSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", "h", "")
	segs := []Segment{
		{DocumentID: docID, Ordinal: 0, Content: "the quick brown fox jumps over the lazy dog", EstimatedTokens: 9, SplitType: "paragraph"},
		{DocumentID: docID, Ordinal: 1, Content: "artificial intelligence and machine learning", EstimatedTokens: 5, SplitType: "paragraph"},
	}
	if _, err := s.InsertSegmentBatch(ctx, segs, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.FTSSearch(ctx, "artificial intelligence", 10)
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one FTS result")
	}
	if hits[0].Content != "artificial intelligence and machine learning" {
		t.Errorf("top FTS result: got %q", hits[0].Content)
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := s.CreateDocument(ctx, "law doc", "text/plain", "LAW", "h1", "")
	s.CreateDocument(ctx, "contract doc", "text/plain", "CONTRACT_TEMPLATE", "h2", "")
	if _, err := s.InsertSegmentBatch(ctx, sampleSegments(docID), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Documents != 2 {
		t.Errorf("documents: got %d, want 2", stats.Documents)
	}
	if stats.Segments != 2 {
		t.Errorf("segments: got %d, want 2", stats.Segments)
	}
	if stats.ByCategory["LAW"] != 1 || stats.ByCategory["CONTRACT_TEMPLATE"] != 1 {
		t.Errorf("byCategory: got %v", stats.ByCategory)
	}
}

// ---------------------------------------------------------------------------
// Chat session / message ordering
// ---------------------------------------------------------------------------

func TestAppendChatMessageMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateChatSession(ctx, "sess-1", "user-1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}

	m1, err := s.AppendChatMessage(ctx, "sess-1", "user", "environ law?", false, "")
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	m2, err := s.AppendChatMessage(ctx, "sess-1", "assistant", "it says...", false, "")
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	m3, err := s.AppendChatMessage(ctx, "sess-1", "user", "再解释一下", false, "")
	if err != nil {
		t.Fatalf("append 3: %v", err)
	}

	if m1.Seq != 1 || m2.Seq != 2 || m3.Seq != 3 {
		t.Fatalf("expected strictly increasing gap-free seq, got %d, %d, %d", m1.Seq, m2.Seq, m3.Seq)
	}

	msgs, err := s.GetRecentMessages(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 {
			t.Errorf("messages[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
}

func TestGetRecentMessagesLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateChatSession(ctx, "sess-2", "user-1", "")

	for i := 0; i < 5; i++ {
		if _, err := s.AppendChatMessage(ctx, "sess-2", "user", "msg", false, ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.GetRecentMessages(ctx, "sess-2", 2)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Errorf("expected last 2 in ascending order, got seq %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestDeleteChatSessionCascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateChatSession(ctx, "sess-3", "user-1", "")
	s.AppendChatMessage(ctx, "sess-3", "user", "hi", false, "")

	if err := s.DeleteChatSession(ctx, "sess-3"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := s.GetChatSession(ctx, "sess-3"); legalcore.Of(err) != legalcore.KindNotFound {
		t.Fatalf("expected session gone, got %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages WHERE session_id = ?", "sess-3").Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages cascaded away, got %d", count)
	}
}

// ---------------------------------------------------------------------------
// Contract review state machine
// ---------------------------------------------------------------------------

func TestContractReviewLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateContractReview(ctx, "rev-1", "user-1", "lease.pdf", 1024, "hash-abc"); err != nil {
		t.Fatalf("create review: %v", err)
	}

	got, err := s.GetContractReview(ctx, "rev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "PENDING" {
		t.Errorf("status: got %q, want PENDING", got.Status)
	}

	if err := s.UpdateReviewStage(ctx, "rev-1", "PROCESSING", "normalized contract text"); err != nil {
		t.Fatalf("update stage: %v", err)
	}

	clauses := []RiskClause{
		{ClauseText: "termination clause", RiskType: "TERMINATION", RiskLevel: "HIGH", Description: "one-sided"},
	}
	if err := s.CompleteReview(ctx, "rev-1", "HIGH", 1, `{"summary":"..."}`, clauses); err != nil {
		t.Fatalf("complete: %v", err)
	}

	final, err := s.GetContractReview(ctx, "rev-1")
	if err != nil {
		t.Fatalf("get after complete: %v", err)
	}
	if final.Status != "COMPLETED" {
		t.Errorf("status: got %q, want COMPLETED", final.Status)
	}
	if !final.CompletedAt.Valid {
		t.Error("expected completed_at to be set")
	}

	gotClauses, err := s.GetRiskClauses(ctx, "rev-1")
	if err != nil {
		t.Fatalf("get clauses: %v", err)
	}
	if len(gotClauses) != 1 || gotClauses[0].RiskLevel != "HIGH" {
		t.Errorf("clauses: got %+v", gotClauses)
	}
}

func TestFailReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateContractReview(ctx, "rev-2", "user-1", "bad.pdf", 10, "hash-x")
	if err := s.FailReview(ctx, "rev-2", "extraction failed: corrupt pdf"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.GetContractReview(ctx, "rev-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "FAILED" {
		t.Errorf("status: got %q, want FAILED", got.Status)
	}
	if got.ErrorMessage.String != "extraction failed: corrupt pdf" {
		t.Errorf("error message: got %q", got.ErrorMessage.String)
	}
}

func TestGetContractReviewNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetContractReview(ctx, "missing")
	if legalcore.Of(err) != legalcore.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Dead-letter log
// ---------------------------------------------------------------------------

func TestRecordAndMarkEmbeddingFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _, _ := s.CreateDocument(ctx, "doc", "text/plain", "GENERAL", "h", "")
	ids, err := s.InsertSegmentBatch(ctx, sampleSegments(docID), nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.RecordEmbeddingFailure(ctx, docID, 0, len(ids), "rate limited after 3 retries"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := s.MarkSegmentsEmbeddingFailed(ctx, ids); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	segs, err := s.GetSegmentsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, seg := range segs {
		if !seg.EmbeddingFailed {
			t.Errorf("segment %d: expected embedding_failed=true", seg.ID)
		}
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_failures").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dead-letter row, got %d", count)
	}
}

// ---------------------------------------------------------------------------
// Query log
// ---------------------------------------------------------------------------

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LogQuery(ctx, "环境保护法第三十条", "PRECISE_ARTICLE", "exact", 1); err != nil {
		t.Fatalf("log query: %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM query_log").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 log entry, got %d", count)
	}
}
