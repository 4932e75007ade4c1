package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lexreason/legalcore"
)

func init() {
	sqlite_vec.Auto()
}

// Document represents a row in the documents table.
type Document struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	MimeType      string `json:"mime_type"`
	Category      string `json:"category"`
	ContentHash   string `json:"content_hash"`
	SegmentCount  int    `json:"segment_count"`
	FailedBatches int    `json:"failed_batches"`
	Metadata      string `json:"metadata,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Segment represents a row in the segments table.
type Segment struct {
	ID              int64  `json:"id"`
	DocumentID      int64  `json:"document_id"`
	Ordinal         int    `json:"ordinal"`
	Content         string `json:"content"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Book            string `json:"book,omitempty"`
	Chapter         string `json:"chapter,omitempty"`
	Section         string `json:"section,omitempty"`
	ArticleNumber   string `json:"article_number,omitempty"`
	Part            int    `json:"part,omitempty"`
	TotalParts      int    `json:"total_parts,omitempty"`
	SplitType       string `json:"split_type"`
	SourceFilename  string `json:"source_filename,omitempty"`
	Category        string `json:"category,omitempty"`
	LawName         string `json:"law_name,omitempty"`
	EmbeddingFailed bool   `json:"embedding_failed"`
	Metadata        string `json:"metadata,omitempty"`
}

// SegmentHit is a Segment joined with its owning Document and a retrieval
// score, returned by the VectorIndex port operations.
type SegmentHit struct {
	Segment
	DocumentTitle string  `json:"document_title"`
	Score         float64 `json:"score"`
}

// MetadataFilter describes an exact-match lookup for the Hybrid
// Retriever's precise branches.
type MetadataFilter struct {
	ArticleNumber   string
	Chapter         string
	LawNameContains string
}

// ChatSession represents a row in the chat_sessions table.
type ChatSession struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ChatMessage represents a row in the chat_messages table.
type ChatMessage struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Cancelled bool   `json:"cancelled"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ContractReview represents a row in the contract_reviews table.
type ContractReview struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Filename      string         `json:"filename"`
	Size          int64          `json:"size"`
	Hash          string         `json:"hash"`
	ExtractedText sql.NullString `json:"-"`
	Status        string         `json:"status"`
	RiskLevel     sql.NullString `json:"-"`
	TotalRisks    sql.NullInt64  `json:"-"`
	Result        sql.NullString `json:"-"`
	ErrorMessage  sql.NullString `json:"-"`
	CreatedAt     string         `json:"created_at"`
	CompletedAt   sql.NullString `json:"-"`
}

// RiskClause represents a row in the risk_clauses table.
type RiskClause struct {
	ID            int64  `json:"id"`
	ReviewID      string `json:"review_id"`
	ClauseText    string `json:"clause_text"`
	RiskType      string `json:"risk_type"`
	RiskLevel     string `json:"risk_level"`
	Description   string `json:"description,omitempty"`
	Suggestion    string `json:"suggestion,omitempty"`
	LegalBasis    string `json:"legal_basis,omitempty"`
	PositionStart int    `json:"position_start,omitempty"`
	PositionEnd   int    `json:"position_end,omitempty"`
}

// DocumentStats is the aggregate returned by Ingestion Coordinator's
// stats() operation.
type DocumentStats struct {
	Documents  int            `json:"documents"`
	Segments   int            `json:"segments"`
	ByCategory map[string]int `json:"by_category"`
}

// Store wraps the SQLite database backing the whole service: document/
// segment persistence, the vector index, chat sessions, and reviews.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// CreateDocument inserts a document, or returns the id of the existing row
// sharing the same content hash.
func (s *Store) CreateDocument(ctx context.Context, title, mimeType, category, contentHash, metadata string) (id int64, existing bool, err error) {
	if existingDoc, getErr := s.GetDocumentByHash(ctx, contentHash); getErr == nil {
		return existingDoc.ID, true, nil
	} else if legalcore.Of(getErr) != legalcore.KindNotFound {
		return 0, false, getErr
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (title, mime_type, category, content_hash, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, title, mimeType, category, contentHash, metadata)
	if err != nil {
		if isUniqueConstraintErr(err) {
			existingDoc, getErr := s.GetDocumentByHash(ctx, contentHash)
			if getErr != nil {
				return 0, false, getErr
			}
			return existingDoc.ID, true, nil
		}
		return 0, false, err
	}

	id, err = res.LastInsertId()
	return id, false, err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, title, mime_type, category, content_hash, segment_count, failed_batches, metadata, created_at, updated_at
		FROM documents WHERE id = ?
	`, id))
}

// GetDocumentByHash retrieves a document by its content hash.
func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, title, mime_type, category, content_hash, segment_count, failed_batches, metadata, created_at, updated_at
		FROM documents WHERE content_hash = ?
	`, hash))
}

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := row.Scan(&doc.ID, &doc.Title, &doc.MimeType, &doc.Category, &doc.ContentHash,
		&doc.SegmentCount, &doc.FailedBatches, &metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, legalcore.ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, mime_type, category, content_hash, segment_count, failed_batches, metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Title, &d.MimeType, &d.Category, &d.ContentHash,
			&d.SegmentCount, &d.FailedBatches, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentCounters sets the segment_count and metadata (e.g. the
// partially_indexed flag) after an ingestion batch completes.
func (s *Store) UpdateDocumentCounters(ctx context.Context, id int64, segmentCount int, metadata string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET segment_count = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		segmentCount, metadata, id)
	return err
}

// IncrementFailedBatches records that one more embedding batch for this
// document exhausted its retries.
func (s *Store) IncrementFailedBatches(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET failed_batches = failed_batches + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id)
	return err
}

// DeleteDocument removes a document and cascades to its segments,
// embeddings, and FTS rows. Safe to call on a missing id (no-op).
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_segments WHERE segment_id IN (
				SELECT id FROM segments WHERE document_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM segments WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id); err != nil {
			return err
		}
		return nil
	})
}

// --- Segment + embedding operations ---

// InsertSegmentBatch atomically writes a batch of segments and, where a
// non-nil vector is provided at the same index, its embedding: either
// every segment/embedding pair in the batch becomes visible, or none
// does.
func (s *Store) InsertSegmentBatch(ctx context.Context, segs []Segment, vectors [][]float32) ([]int64, error) {
	ids := make([]int64, len(segs))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO segments (document_id, ordinal, content, estimated_tokens, book, chapter,
				section, article_number, part, total_parts, split_type, source_filename, category,
				law_name, embedding_failed, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		vecStmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO vec_segments (segment_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		for i, seg := range segs {
			res, err := stmt.ExecContext(ctx, seg.DocumentID, seg.Ordinal, seg.Content,
				seg.EstimatedTokens, nullableString(seg.Book), nullableString(seg.Chapter),
				nullableString(seg.Section), nullableString(seg.ArticleNumber), nullableInt(seg.Part),
				nullableInt(seg.TotalParts), seg.SplitType, nullableString(seg.SourceFilename),
				nullableString(seg.Category), nullableString(seg.LawName), seg.EmbeddingFailed, seg.Metadata)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids[i] = id

			if i < len(vectors) && vectors[i] != nil {
				if _, err := vecStmt.ExecContext(ctx, id, serializeFloat32(vectors[i])); err != nil {
					return err
				}
			}
		}
		return nil
	})

	return ids, err
}

// MarkSegmentsEmbeddingFailed flags segments whose embedding batch
// permanently failed.
func (s *Store) MarkSegmentsEmbeddingFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE segments SET embedding_failed = 1 WHERE id IN (?" + repeatPlaceholders(len(ids)-1) + ")"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// RecordEmbeddingFailure writes a dead-letter entry for a batch that
// exhausted its retries.
func (s *Store) RecordEmbeddingFailure(ctx context.Context, documentID int64, batchStartOrdinal, batchSize int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_failures (document_id, batch_start_ordinal, batch_size, error)
		VALUES (?, ?, ?, ?)
	`, documentID, batchStartOrdinal, batchSize, errMsg)
	return err
}

// GetSegmentsByDocument returns all segments for a document, ordinal ascending.
func (s *Store) GetSegmentsByDocument(ctx context.Context, docID int64) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, segmentSelectColumns+`
		FROM segments WHERE document_id = ? ORDER BY ordinal
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

const segmentSelectColumns = `
	SELECT id, document_id, ordinal, content, estimated_tokens, COALESCE(book, ''), COALESCE(chapter, ''),
		COALESCE(section, ''), COALESCE(article_number, ''), COALESCE(part, 0), COALESCE(total_parts, 0),
		split_type, COALESCE(source_filename, ''), COALESCE(category, ''), COALESCE(law_name, ''),
		embedding_failed, COALESCE(metadata, '')
`

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var segs []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.DocumentID, &seg.Ordinal, &seg.Content, &seg.EstimatedTokens,
			&seg.Book, &seg.Chapter, &seg.Section, &seg.ArticleNumber, &seg.Part, &seg.TotalParts,
			&seg.SplitType, &seg.SourceFilename, &seg.Category, &seg.LawName, &seg.EmbeddingFailed,
			&seg.Metadata); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// --- VectorIndex port ---

// SearchANN performs a KNN search over the vector index, returning the
// top-k nearest segments joined with their owning document.
func (s *Store) SearchANN(ctx context.Context, queryEmbedding []float32, k int) ([]SegmentHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.segment_id, v.distance,
			sg.document_id, sg.ordinal, sg.content, sg.estimated_tokens, COALESCE(sg.book, ''),
			COALESCE(sg.chapter, ''), COALESCE(sg.section, ''), COALESCE(sg.article_number, ''),
			COALESCE(sg.part, 0), COALESCE(sg.total_parts, 0), sg.split_type, COALESCE(sg.source_filename, ''),
			COALESCE(sg.category, ''), COALESCE(sg.law_name, ''), sg.embedding_failed, COALESCE(sg.metadata, ''),
			d.title
		FROM vec_segments v
		JOIN segments sg ON sg.id = v.segment_id
		JOIN documents d ON d.id = sg.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SegmentHit
	for rows.Next() {
		var h SegmentHit
		var distance float64
		if err := rows.Scan(&h.ID, &distance, &h.DocumentID, &h.Ordinal, &h.Content, &h.EstimatedTokens,
			&h.Book, &h.Chapter, &h.Section, &h.ArticleNumber, &h.Part, &h.TotalParts, &h.SplitType,
			&h.SourceFilename, &h.Category, &h.LawName, &h.EmbeddingFailed, &h.Metadata, &h.DocumentTitle); err != nil {
			return nil, err
		}
		h.Score = 1.0 - distance // cosine distance -> similarity
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchByMetadata implements the exact-match branches of the Hybrid
// Retriever: filter.ArticleNumber for
// Branch A, filter.Chapter for Branch B, with an optional law-name
// substring match against source_filename. The chapter filter matches on
// the heading's 第...章 prefix, since segments store the full heading
// ("第二章 自然人") while queries usually carry the marker alone.
func (s *Store) SearchByMetadata(ctx context.Context, filter MetadataFilter, k int) ([]SegmentHit, error) {
	var conditions []string
	var args []interface{}

	if filter.ArticleNumber != "" {
		conditions = append(conditions, "sg.article_number = ?")
		args = append(args, filter.ArticleNumber)
	}
	if filter.Chapter != "" {
		conditions = append(conditions, "(sg.chapter = ? OR sg.chapter LIKE ?)")
		args = append(args, filter.Chapter, filter.Chapter+" %")
	}
	if filter.LawNameContains != "" {
		conditions = append(conditions,
			"(sg.source_filename LIKE ? OR sg.law_name = ?)")
		args = append(args, "%"+filter.LawNameContains+"%", filter.LawNameContains)
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	query := `
		SELECT sg.id, sg.document_id, sg.ordinal, sg.content, sg.estimated_tokens, COALESCE(sg.book, ''),
			COALESCE(sg.chapter, ''), COALESCE(sg.section, ''), COALESCE(sg.article_number, ''),
			COALESCE(sg.part, 0), COALESCE(sg.total_parts, 0), sg.split_type, COALESCE(sg.source_filename, ''),
			COALESCE(sg.category, ''), COALESCE(sg.law_name, ''), sg.embedding_failed, COALESCE(sg.metadata, ''),
			d.title
		FROM segments sg
		JOIN documents d ON d.id = sg.document_id
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY sg.ordinal
		LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SegmentHit
	for rows.Next() {
		var h SegmentHit
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.Ordinal, &h.Content, &h.EstimatedTokens,
			&h.Book, &h.Chapter, &h.Section, &h.ArticleNumber, &h.Part, &h.TotalParts, &h.SplitType,
			&h.SourceFilename, &h.Category, &h.LawName, &h.EmbeddingFailed, &h.Metadata, &h.DocumentTitle); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// FTSSearch performs a full-text search using FTS5 BM25 ranking, used as a
// keyword-matching assist alongside the vector fallback branch.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]SegmentHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			sg.document_id, sg.ordinal, sg.content, sg.estimated_tokens, COALESCE(sg.book, ''),
			COALESCE(sg.chapter, ''), COALESCE(sg.section, ''), COALESCE(sg.article_number, ''),
			COALESCE(sg.part, 0), COALESCE(sg.total_parts, 0), sg.split_type, COALESCE(sg.source_filename, ''),
			COALESCE(sg.category, ''), COALESCE(sg.law_name, ''), sg.embedding_failed, COALESCE(sg.metadata, ''),
			d.title
		FROM segments_fts f
		JOIN segments sg ON sg.id = f.rowid
		JOIN documents d ON d.id = sg.document_id
		WHERE segments_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SegmentHit
	for rows.Next() {
		var h SegmentHit
		var rank float64
		if err := rows.Scan(&h.ID, &rank, &h.DocumentID, &h.Ordinal, &h.Content, &h.EstimatedTokens,
			&h.Book, &h.Chapter, &h.Section, &h.ArticleNumber, &h.Part, &h.TotalParts, &h.SplitType,
			&h.SourceFilename, &h.Category, &h.LawName, &h.EmbeddingFailed, &h.Metadata, &h.DocumentTitle); err != nil {
			return nil, err
		}
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// --- Stats ---

// Stats returns the aggregate counts for the Ingestion Coordinator's
// stats() operation.
func (s *Store) Stats(ctx context.Context) (*DocumentStats, error) {
	stats := &DocumentStats{ByCategory: map[string]int{}}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents); err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&stats.Segments); err != nil {
		return nil, fmt.Errorf("counting segments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM documents GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("grouping by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		stats.ByCategory[cat] = n
	}
	return stats, rows.Err()
}

// --- Chat session / message operations ---

// CreateChatSession inserts a new session row.
func (s *Store) CreateChatSession(ctx context.Context, id, userID, title string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_sessions (id, user_id, title) VALUES (?, ?, ?)",
		id, userID, title)
	return err
}

// GetChatSession retrieves a session by id.
func (s *Store) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	sess := &ChatSession{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE id = ?", id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, legalcore.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListChatSessions returns all sessions for a user, most recently updated first.
func (s *Store) ListChatSessions(ctx context.Context, userID string) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		var sess ChatSession
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateChatSessionTitle sets the session title, derived from the first
// user message.
func (s *Store) UpdateChatSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", title, id)
	return err
}

// DeleteChatSession removes a session and cascades to its messages
// atomically.
func (s *Store) DeleteChatSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = ?", id)
	return err
}

// AppendChatMessage assigns the next monotonic seq for the session and
// inserts the message in one transaction. Callers must hold the
// session-scoped lock before calling.
func (s *Store) AppendChatMessage(ctx context.Context, sessionID, role, content string, cancelled bool, metadata string) (*ChatMessage, error) {
	msg := &ChatMessage{SessionID: sessionID, Role: role, Content: content, Cancelled: cancelled, Metadata: metadata}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(seq) FROM chat_messages WHERE session_id = ?", sessionID).Scan(&maxSeq); err != nil {
			return err
		}
		msg.Seq = int(maxSeq.Int64) + 1

		res, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (session_id, seq, role, content, cancelled, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
		`, sessionID, msg.Seq, role, content, cancelled, metadata)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE chat_sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetRecentMessages returns up to n most recent messages for a session,
// ordered by seq ascending.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, n int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, cancelled, COALESCE(metadata, ''), created_at
		FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Cancelled, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Contract review / risk clause operations ---

// CreateContractReview inserts a new review in PENDING status.
func (s *Store) CreateContractReview(ctx context.Context, id, userID, filename string, size int64, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contract_reviews (id, user_id, filename, size, hash, status)
		VALUES (?, ?, ?, ?, ?, 'PENDING')
	`, id, userID, filename, size, hash)
	return err
}

// GetContractReview retrieves a review by id.
func (s *Store) GetContractReview(ctx context.Context, id string) (*ContractReview, error) {
	r := &ContractReview{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, filename, size, hash, extracted_text, status, risk_level, total_risks,
			result, error_message, created_at, completed_at
		FROM contract_reviews WHERE id = ?
	`, id).Scan(&r.ID, &r.UserID, &r.Filename, &r.Size, &r.Hash, &r.ExtractedText, &r.Status,
		&r.RiskLevel, &r.TotalRisks, &r.Result, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, legalcore.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetContractReviewByHash returns the most recent review created for the
// given content hash in one of the terminal statuses (COMPLETED/FAILED),
// or legalcore.ErrReviewNotFound if none exists. The pipeline uses it to
// return the existing result when identical bytes are re-submitted.
func (s *Store) GetContractReviewByHash(ctx context.Context, hash string) (*ContractReview, error) {
	r := &ContractReview{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, filename, size, hash, extracted_text, status, risk_level, total_risks,
			result, error_message, created_at, completed_at
		FROM contract_reviews
		WHERE hash = ? AND status IN ('COMPLETED', 'FAILED')
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, hash).Scan(&r.ID, &r.UserID, &r.Filename, &r.Size, &r.Hash, &r.ExtractedText, &r.Status,
		&r.RiskLevel, &r.TotalRisks, &r.Result, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, legalcore.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateReviewStage transitions a review into PROCESSING and records the
// extracted text once the PARSING stage completes.
func (s *Store) UpdateReviewStage(ctx context.Context, id, status, extractedText string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE contract_reviews SET status = ?, extracted_text = ? WHERE id = ?",
		status, extractedText, id)
	return err
}

// CompleteReview transitions a review to COMPLETED, persisting the
// aggregate risk level, total risk count, and assembled report JSON.
func (s *Store) CompleteReview(ctx context.Context, id, riskLevel string, totalRisks int, resultJSON string, clauses []RiskClause) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE contract_reviews
			SET status = 'COMPLETED', risk_level = ?, total_risks = ?, result = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, riskLevel, totalRisks, resultJSON, id); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO risk_clauses (review_id, clause_text, risk_type, risk_level, description,
				suggestion, legal_basis, position_start, position_end)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range clauses {
			if _, err := stmt.ExecContext(ctx, id, c.ClauseText, c.RiskType, c.RiskLevel,
				c.Description, c.Suggestion, c.LegalBasis, c.PositionStart, c.PositionEnd); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailReview transitions a review to FAILED with an error message. No
// backward transition is permitted once COMPLETED or FAILED is reached
//, enforced by the caller's state machine.
func (s *Store) FailReview(ctx context.Context, id, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contract_reviews SET status = 'FAILED', error_message = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, errorMessage, id)
	return err
}

// GetRiskClauses returns all risk clauses for a review.
func (s *Store) GetRiskClauses(ctx context.Context, reviewID string) ([]RiskClause, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, review_id, clause_text, risk_type, risk_level, COALESCE(description, ''),
			COALESCE(suggestion, ''), COALESCE(legal_basis, ''), COALESCE(position_start, 0), COALESCE(position_end, 0)
		FROM risk_clauses WHERE review_id = ?
	`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clauses []RiskClause
	for rows.Next() {
		var c RiskClause
		if err := rows.Scan(&c.ID, &c.ReviewID, &c.ClauseText, &c.RiskType, &c.RiskLevel,
			&c.Description, &c.Suggestion, &c.LegalBasis, &c.PositionStart, &c.PositionEnd); err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	return clauses, rows.Err()
}

// --- Query audit log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, query, queryType, branch string, resultCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, query_type, branch, result_count) VALUES (?, ?, ?, ?)
	`, query, queryType, branch, resultCount)
	return err
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
