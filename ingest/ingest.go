// Package ingest coordinates document indexing:
// extract -> split -> batch-embed -> write, with content-hash dedup,
// single-flighted concurrent ingests of the same bytes, and a
// dead-letter path for embedding batches that exhaust their retries.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lexreason/legalcore"
	"github.com/lexreason/legalcore/concurrency"
	"github.com/lexreason/legalcore/extract"
	"github.com/lexreason/legalcore/legal"
	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/store"
)

// Config controls the coordinator.
type Config struct {
	Splitter     legal.Config
	BatchSize    int // IngestionBatchSize, default 16
	EmbedRetries int
}

func withDefaults(cfg Config) Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.EmbedRetries <= 0 {
		cfg.EmbedRetries = 3
	}
	return cfg
}

// Coordinator implements the Ingestion Coordinator operations.
type Coordinator struct {
	store     *store.Store
	extractor extract.Extractor
	embedder  llmport.Embedder
	pool      *concurrency.Pool
	sf        concurrency.SingleFlight
	cfg       Config
}

// New builds a Coordinator. pool bounds concurrent embedding calls;
// pass nil to run batches sequentially on the caller's goroutine.
func New(s *store.Store, extractor extract.Extractor, embedder llmport.Embedder, pool *concurrency.Pool, cfg Config) *Coordinator {
	return &Coordinator{store: s, extractor: extractor, embedder: embedder, pool: pool, cfg: withDefaults(cfg)}
}

// IngestDocument extracts, splits, embeds, and indexes one uploaded
// document, returning its id. Concurrent calls with the same content
// hash are single-flighted: the second caller blocks on the first's
// result rather than re-extracting/re-embedding.
func (c *Coordinator) IngestDocument(ctx context.Context, data []byte, mime string, category legal.Category, title, metadata string) (int64, error) {
	hash := contentHash(data)

	v, err, _ := c.sf.Do(hash, func() (interface{}, error) {
		return c.ingestLocked(ctx, data, mime, category, title, hash, metadata)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Coordinator) ingestLocked(ctx context.Context, data []byte, mime string, category legal.Category, title, hash, metadata string) (int64, error) {
	if existing, err := c.store.GetDocumentByHash(ctx, hash); err == nil {
		slog.Info("ingest: dedup hit, returning existing document", "document_id", existing.ID, "hash", hash)
		return existing.ID, nil
	} else if legalcore.Of(err) != legalcore.KindNotFound {
		return 0, err
	}

	text, warnings, err := c.extractor.Extract(ctx, data, mime)
	if err != nil {
		return 0, err
	}
	for _, w := range warnings {
		slog.Warn("ingest: extractor warning", "warning", w, "title", title)
	}

	docID, existing, err := c.store.CreateDocument(ctx, title, mime, string(category), hash, metadata)
	if err != nil {
		return 0, legalcore.Wrap(legalcore.KindFatal, "creating document", err)
	}
	if existing {
		return docID, nil
	}

	segments, err := legal.Split(text, category, c.cfg.Splitter, title)
	if err != nil {
		return 0, err
	}

	written, failedBatches, err := c.embedAndWrite(ctx, docID, segments)
	if err != nil {
		return 0, err
	}

	docMeta := map[string]string{}
	if failedBatches > 0 {
		docMeta["partially_indexed"] = "true"
	}
	metaJSON, _ := json.Marshal(docMeta)
	if err := c.store.UpdateDocumentCounters(ctx, docID, written, string(metaJSON)); err != nil {
		return 0, legalcore.Wrap(legalcore.KindFatal, "updating document counters", err)
	}

	slog.Info("ingest: document indexed", "document_id", docID, "segments", written, "failed_batches", failedBatches)
	return docID, nil
}

// embedAndWrite batches segments, embedding and writing each batch
// atomically: either every segment/embedding pair in a batch becomes
// visible to retrieval, or none does. A batch whose embedding
// permanently fails after retries is still written (with
// embedding_failed=true) rather than aborting the whole document.
func (c *Coordinator) embedAndWrite(ctx context.Context, docID int64, segments []legal.Segment) (written, failedBatches int, err error) {
	batchSize := c.cfg.BatchSize
	for start := 0; start < len(segments); start += batchSize {
		end := start + batchSize
		if end > len(segments) {
			end = len(segments)
		}
		batch := segments[start:end]

		vectors, embedErr := c.embedBatchWithRetry(ctx, batch)
		if embedErr != nil {
			slog.Warn("ingest: embedding batch permanently failed, recording dead-letter",
				"document_id", docID, "batch_start", start, "batch_size", len(batch), "error", embedErr)
			if err := c.store.RecordEmbeddingFailure(ctx, docID, start, len(batch), embedErr.Error()); err != nil {
				return written, failedBatches, legalcore.Wrap(legalcore.KindFatal, "recording embedding failure", err)
			}
			if err := c.store.IncrementFailedBatches(ctx, docID); err != nil {
				return written, failedBatches, legalcore.Wrap(legalcore.KindFatal, "incrementing failed batch count", err)
			}
			vectors = nil // write segments without vectors, flagged below
			failedBatches++
		}

		rows := toStoreSegments(docID, batch, embedErr != nil)
		ids, insErr := c.store.InsertSegmentBatch(ctx, rows, vectors)
		if insErr != nil {
			return written, failedBatches, legalcore.Wrap(legalcore.KindFatal, "writing segment batch", insErr)
		}
		if embedErr != nil {
			if err := c.store.MarkSegmentsEmbeddingFailed(ctx, ids); err != nil {
				return written, failedBatches, legalcore.Wrap(legalcore.KindFatal, "flagging failed segments", err)
			}
		}
		written += len(rows)
	}
	return written, failedBatches, nil
}

// embedBatchWithRetry retries a failed batch embedding up to
// cfg.EmbedRetries times with jittered exponential backoff starting at
// 100ms.
func (c *Coordinator) embedBatchWithRetry(ctx context.Context, batch []legal.Segment) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, s := range batch {
		texts[i] = s.Text
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0.3 // jitter
	policy := backoff.WithMaxRetries(bo, uint64(c.cfg.EmbedRetries))

	var vectors [][]float32
	op := func() error {
		var embedErr error
		run := func() error {
			vectors, embedErr = c.embedder.Embed(ctx, texts)
			return embedErr
		}
		if c.pool != nil {
			if err := c.pool.Submit(ctx, run); err != nil {
				return err
			}
		} else if err := run(); err != nil {
			return err
		}
		if embedErr != nil && legalcore.IsRetryable(embedErr) {
			return embedErr
		}
		if embedErr != nil {
			return backoff.Permanent(embedErr)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func toStoreSegments(docID int64, batch []legal.Segment, embeddingFailed bool) []store.Segment {
	out := make([]store.Segment, len(batch))
	for i, s := range batch {
		out[i] = store.Segment{
			DocumentID:      docID,
			Ordinal:         s.Ordinal,
			Content:         s.Text,
			EstimatedTokens: s.EstimatedTokens,
			Book:            s.Metadata.Book,
			Chapter:         s.Metadata.Chapter,
			Section:         s.Metadata.Section,
			ArticleNumber:   s.Metadata.ArticleNumber,
			Part:            s.Metadata.Part,
			TotalParts:      s.Metadata.TotalParts,
			SplitType:       string(s.Metadata.SplitType),
			SourceFilename:  s.Metadata.SourceFilename,
			Category:        string(s.Metadata.Category),
			EmbeddingFailed: embeddingFailed,
		}
	}
	return out
}

// DeleteDocument removes a document with its segments and embeddings;
// safe to call on a missing id.
func (c *Coordinator) DeleteDocument(ctx context.Context, id int64) error {
	return c.store.DeleteDocument(ctx, id)
}

// Stats returns aggregate document/segment counts, grouped by category.
func (c *Coordinator) Stats(ctx context.Context) (*store.DocumentStats, error) {
	return c.store.Stats(ctx)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
