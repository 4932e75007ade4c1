package main

import (
	"github.com/lexreason/legalcore"
	"github.com/lexreason/legalcore/chat"
	"github.com/lexreason/legalcore/concurrency"
	"github.com/lexreason/legalcore/extract"
	"github.com/lexreason/legalcore/ingest"
	"github.com/lexreason/legalcore/legal"
	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/retrieval"
	"github.com/lexreason/legalcore/review"
	"github.com/lexreason/legalcore/store"
)

// coreServices bundles every wired component behind the HTTP surface:
// one struct built once at startup and passed to handlers by reference.
// Every dependency a handler needs is reachable from here; nothing is a
// package-level var.
type coreServices struct {
	cfg       legalcore.Config
	store     *store.Store
	ingestor  *ingest.Coordinator
	retriever *retrieval.Retriever
	chat      *chat.Orchestrator
	review    *review.Pipeline
	pool      *concurrency.Pool
}

func newCoreServices(cfg legalcore.Config) (*coreServices, error) {
	s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, legalcore.Wrap(legalcore.KindFatal, "opening store", err)
	}

	pool, err := concurrency.NewPool(cfg.MaxConcurrentBackendCalls, cfg.QueueCapacity)
	if err != nil {
		s.Close()
		return nil, err
	}

	extractor := extract.New()

	backend := llmport.New(cfg.ChatBackend.BaseURL, cfg.ChatBackend.APIKey, cfg.ChatBackend.Model)
	embedder := llmport.New(cfg.Embedder.BaseURL, cfg.Embedder.APIKey, cfg.Embedder.Model)

	retriever := retrieval.New(s, embedder)

	ingestor := ingest.New(s, extractor, embedder, pool, ingest.Config{
		Splitter: legal.Config{
			MaxTokens:     cfg.MaxTokens,
			Overlap:       cfg.Overlap,
			MinChunkChars: cfg.MinChunkChars,
		},
		BatchSize:    cfg.IngestionBatchSize,
		EmbedRetries: cfg.EmbedRetries,
	})

	chatOrch := chat.New(s, retriever, backend, chat.Config{
		UnifiedThresholdChars: cfg.UnifiedThresholdChars,
		HistoryWindowBasic:    cfg.SessionHistoryWindow.Basic,
		HistoryWindowAdvanced: cfg.SessionHistoryWindow.Advanced,
		PromptBudgetTokens:    cfg.PromptBudgetTokens,
		RetrievalTopK:         cfg.DefaultTopK,
	})

	reviewPipeline := review.New(s, extractor, backend, review.Config{
		MinContractChars: cfg.MinContractChars,
		StageTimeout:     cfg.ReviewStageTimeout,
		ReviewDeadline:   cfg.PerReviewDeadline,
	})

	return &coreServices{
		cfg:       cfg,
		store:     s,
		ingestor:  ingestor,
		retriever: retriever,
		chat:      chatOrch,
		review:    reviewPipeline,
		pool:      pool,
	}, nil
}

func (c *coreServices) Close() {
	c.pool.Release()
	c.store.Close()
}
