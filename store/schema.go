package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension; every vector in the index has the same
// dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry, content-hash deduplicated.
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    category TEXT NOT NULL,
    content_hash TEXT NOT NULL UNIQUE,
    segment_count INTEGER NOT NULL DEFAULT 0,
    failed_batches INTEGER NOT NULL DEFAULT 0,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Segments are the retrieval atom.
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    content TEXT NOT NULL,
    estimated_tokens INTEGER NOT NULL,
    book TEXT,
    chapter TEXT,
    section TEXT,
    article_number TEXT,
    part INTEGER,
    total_parts INTEGER,
    split_type TEXT NOT NULL,
    source_filename TEXT,
    category TEXT,
    law_name TEXT,
    embedding_failed INTEGER NOT NULL DEFAULT 0,
    metadata JSON
);

-- Vector index, backed by sqlite-vec.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_segments USING vec0(
    segment_id INTEGER PRIMARY KEY,
    embedding float[%[1]d] distance_metric=cosine
);

-- Full-text index mirrors segments(content) for metadata/keyword lookup.
CREATE VIRTUAL TABLE IF NOT EXISTS segments_fts USING fts5(
    content,
    article_number,
    content='segments',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS segments_ai AFTER INSERT ON segments BEGIN
    INSERT INTO segments_fts(rowid, content, article_number) VALUES (new.id, new.content, new.article_number);
END;
CREATE TRIGGER IF NOT EXISTS segments_ad AFTER DELETE ON segments BEGIN
    INSERT INTO segments_fts(segments_fts, rowid, content, article_number) VALUES ('delete', old.id, old.content, old.article_number);
END;
CREATE TRIGGER IF NOT EXISTS segments_au AFTER UPDATE ON segments BEGIN
    INSERT INTO segments_fts(segments_fts, rowid, content, article_number) VALUES ('delete', old.id, old.content, old.article_number);
    INSERT INTO segments_fts(rowid, content, article_number) VALUES (new.id, new.content, new.article_number);
END;

-- Dead-letter log for embedding batches that exhausted retries
--.
CREATE TABLE IF NOT EXISTS embedding_failures (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    batch_start_ordinal INTEGER NOT NULL,
    batch_size INTEGER NOT NULL,
    error TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Chat sessions and messages.
CREATE TABLE IF NOT EXISTS chat_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    cancelled INTEGER NOT NULL DEFAULT 0,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(session_id, seq)
);

-- Contract reviews and risk clauses.
CREATE TABLE IF NOT EXISTS contract_reviews (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    size INTEGER NOT NULL,
    hash TEXT NOT NULL,
    extracted_text TEXT,
    status TEXT NOT NULL DEFAULT 'PENDING',
    risk_level TEXT,
    total_risks INTEGER,
    result JSON,
    error_message TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS risk_clauses (
    id INTEGER PRIMARY KEY,
    review_id TEXT NOT NULL REFERENCES contract_reviews(id) ON DELETE CASCADE,
    clause_text TEXT NOT NULL,
    risk_type TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    description TEXT,
    suggestion TEXT,
    legal_basis TEXT,
    position_start INTEGER,
    position_end INTEGER
);

-- Query audit log.
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    query TEXT NOT NULL,
    query_type TEXT,
    branch TEXT,
    result_count INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_segments_document ON segments(document_id);
CREATE INDEX IF NOT EXISTS idx_segments_article ON segments(article_number);
CREATE INDEX IF NOT EXISTS idx_segments_chapter ON segments(chapter);
CREATE INDEX IF NOT EXISTS idx_segments_source ON segments(source_filename);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id);
CREATE INDEX IF NOT EXISTS idx_risk_clauses_review ON risk_clauses(review_id);
CREATE INDEX IF NOT EXISTS idx_contract_reviews_status ON contract_reviews(status);
`, embeddingDim)
}
