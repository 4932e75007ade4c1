// Package chat orchestrates conversational turns: ModelType-based
// routing, prompt assembly over the retriever and session history, and
// persistence of both halves of a turn. Streaming replies buffer the
// full assistant text and persist it once the stream ends, whether or
// not the client is still reading.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexreason/legalcore"
	"github.com/lexreason/legalcore/concurrency"
	"github.com/lexreason/legalcore/legal"
	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/query"
	"github.com/lexreason/legalcore/retrieval"
	"github.com/lexreason/legalcore/store"
)

// ModelType selects which backend/policy a turn is routed to.
type ModelType string

const (
	Basic       ModelType = "BASIC"
	Advanced    ModelType = "ADVANCED"
	AdvancedRAG ModelType = "ADVANCED_RAG"
	Unified     ModelType = "UNIFIED"
)

// Request is one chat turn, shared by Chat and ChatStream.
type Request struct {
	Message          string
	ConversationID   string // empty creates a new session
	UserID           string
	UseKnowledgeBase *bool // nil means default true
	ModelType        ModelType
	ModelName        string // LOCAL | REMOTE, informational only for the reference backend
}

func (r Request) ragEnabled() bool {
	return r.UseKnowledgeBase == nil || *r.UseKnowledgeBase
}

// Source is one retrieved snippet attached to a response's metadata.
type Source struct {
	Title         string  `json:"title"`
	ArticleNumber string  `json:"article_number,omitempty"`
	Score         float64 `json:"score"`
}

// Response is a completed non-streaming turn.
type Response struct {
	ConversationID string
	Message        string
	ModelType      ModelType
	Sources        []Source
	Cancelled      bool
	DurationMs     int64
}

// Config controls orchestrator policy.
type Config struct {
	UnifiedThresholdChars int
	HistoryWindowBasic    int
	HistoryWindowAdvanced int
	PromptBudgetTokens    int
	RetrievalTopK         int
	SystemPrompt          string
}

func withDefaults(cfg Config) Config {
	if cfg.UnifiedThresholdChars <= 0 {
		cfg.UnifiedThresholdChars = 120
	}
	if cfg.HistoryWindowBasic <= 0 {
		cfg.HistoryWindowBasic = 15
	}
	if cfg.HistoryWindowAdvanced <= 0 {
		cfg.HistoryWindowAdvanced = 30
	}
	if cfg.PromptBudgetTokens <= 0 {
		cfg.PromptBudgetTokens = 8000
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 5
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a legal research assistant. Answer precisely, citing the articles given in the context block when relevant. Never invent a law or article number."
	}
	return cfg
}

// Orchestrator routes, assembles, and persists chat turns.
type Orchestrator struct {
	store     *store.Store
	retriever *retrieval.Retriever
	backend   llmport.ChatBackend
	cfg       Config

	titleSF concurrency.SingleFlight

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New builds an Orchestrator.
func New(s *store.Store, retriever *retrieval.Retriever, backend llmport.ChatBackend, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     s,
		retriever: retriever,
		backend:   backend,
		cfg:       withDefaults(cfg),
		locks:     make(map[string]*sync.Mutex),
		cancels:   make(map[string]context.CancelFunc),
	}
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[sessionID] = l
	}
	return l
}

// Chat runs one non-streaming turn and persists both messages.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, legalcore.New(legalcore.KindInvalidInput, "message is empty")
	}

	sessionID, firstMessage, err := o.loadOrCreateSession(ctx, req)
	if err != nil {
		return nil, err
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	modelType := o.resolveModelType(req)

	if _, err := o.store.AppendChatMessage(ctx, sessionID, "user", req.Message, false, ""); err != nil {
		return nil, legalcore.Wrap(legalcore.KindFatal, "persisting user message", err)
	}
	if firstMessage {
		o.generateTitle(sessionID, req.Message)
	}

	messages, sources, err := o.assemblePrompt(ctx, sessionID, modelType, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := o.backend.Generate(ctx, messages, llmport.GenerateOptions{})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	meta := metadataJSON(result.Model, sources, elapsed)
	if _, err := o.store.AppendChatMessage(ctx, sessionID, "assistant", result.Text, false, meta); err != nil {
		return nil, legalcore.Wrap(legalcore.KindFatal, "persisting assistant message", err)
	}

	return &Response{
		ConversationID: sessionID,
		Message:        result.Text,
		ModelType:      modelType,
		Sources:        sources,
		DurationMs:     elapsed.Milliseconds(),
	}, nil
}

// ChatStream runs one streaming turn. The returned channel carries
// llmport.Chunk frames; it is closed after exactly one terminal frame.
// Generation continues to completion and is persisted even if the caller
// stops reading.
func (o *Orchestrator) ChatStream(ctx context.Context, req Request) (<-chan llmport.Chunk, string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, "", legalcore.New(legalcore.KindInvalidInput, "message is empty")
	}

	sessionID, firstMessage, err := o.loadOrCreateSession(ctx, req)
	if err != nil {
		return nil, "", err
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()

	modelType := o.resolveModelType(req)

	if _, err := o.store.AppendChatMessage(ctx, sessionID, "user", req.Message, false, ""); err != nil {
		lock.Unlock()
		return nil, "", legalcore.Wrap(legalcore.KindFatal, "persisting user message", err)
	}
	if firstMessage {
		o.generateTitle(sessionID, req.Message)
	}

	messages, sources, err := o.assemblePrompt(ctx, sessionID, modelType, req)
	if err != nil {
		lock.Unlock()
		return nil, "", err
	}

	genCtx, cancel := context.WithCancel(context.Background())
	o.cancelMu.Lock()
	o.cancels[sessionID] = cancel
	o.cancelMu.Unlock()

	upstream, err := o.backend.GenerateStream(genCtx, messages, llmport.GenerateOptions{})
	if err != nil {
		cancel()
		o.clearCancel(sessionID)
		lock.Unlock()
		return nil, "", err
	}

	out := make(chan llmport.Chunk, 8)
	go func() {
		defer lock.Unlock()
		defer o.clearCancel(sessionID)
		defer cancel()
		defer close(out)

		start := time.Now()
		var buf strings.Builder
		cancelled := false

		for chunk := range upstream {
			switch chunk.Type {
			case llmport.ChunkContent:
				buf.WriteString(chunk.Content)
				select {
				case out <- chunk:
				default:
				}
			case llmport.ChunkError:
				if genCtx.Err() != nil {
					cancelled = true
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
			case llmport.ChunkComplete:
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
			}
		}

		elapsed := time.Since(start)
		meta := metadataJSON("", sources, elapsed)
		if _, err := o.store.AppendChatMessage(context.Background(), sessionID, "assistant", buf.String(), cancelled, meta); err != nil {
			slog.Error("chat: persisting streamed assistant message failed", "session_id", sessionID, "error", err)
		}
	}()

	return out, sessionID, nil
}

// Cancel aborts sessionID's in-flight stream at the next chunk
// boundary. Returns false if no stream is in flight for sessionID.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	cancel, ok := o.cancels[sessionID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) clearCancel(sessionID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	delete(o.cancels, sessionID)
}

// loadOrCreateSession resolves req.ConversationID, creating a new
// session when it is empty. Returns the session id and whether this is
// the session's first message (used to gate title generation).
func (o *Orchestrator) loadOrCreateSession(ctx context.Context, req Request) (sessionID string, firstMessage bool, err error) {
	if req.ConversationID != "" {
		if _, err := o.store.GetChatSession(ctx, req.ConversationID); err != nil {
			return "", false, err
		}
		return req.ConversationID, false, nil
	}

	id := uuid.NewString()
	if err := o.store.CreateChatSession(ctx, id, req.UserID, ""); err != nil {
		return "", false, legalcore.Wrap(legalcore.KindFatal, "creating chat session", err)
	}
	return id, true, nil
}

// generateTitle sets the session title from the first user message,
// truncated to 40 code points on a word/char boundary. Single-flighted
// per session so two concurrent first messages (a race the
// session-scoped lock doesn't fully prevent across goroutines outside
// Chat/ChatStream) never issue two writes.
func (o *Orchestrator) generateTitle(sessionID, message string) {
	title := truncateTitle(message, 40)
	_, _, _ = o.titleSF.Do(sessionID, func() (interface{}, error) {
		return nil, o.store.UpdateChatSessionTitle(context.Background(), sessionID, title)
	})
}

// truncateTitle truncates s to at most n code points, backing off to the
// nearest preceding word/char boundary (a run-rune space) rather than
// splitting mid-word when the cut lands inside one.
func truncateTitle(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := n
	for cut > 0 && runes[cut] != ' ' && runes[cut-1] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = n
	}
	return strings.TrimSpace(string(runes[:cut]))
}

// resolveModelType applies the UNIFIED routing decision: messages longer
// than UnifiedThresholdChars and every message the query analyzer
// classifies as SEMANTIC go to AdvancedRAG, the rest to Advanced. The
// phrasing of a SEMANTIC message is not examined.
func (o *Orchestrator) resolveModelType(req Request) ModelType {
	if req.ModelType != Unified {
		if req.ModelType == "" {
			return Basic
		}
		return req.ModelType
	}

	if len([]rune(req.Message)) > o.cfg.UnifiedThresholdChars {
		return AdvancedRAG
	}
	intent := query.Analyze(req.Message)
	if intent.QueryType == query.Semantic && !intent.IsPreciseQuery() {
		return AdvancedRAG
	}
	return Advanced
}

// assemblePrompt builds the system prompt, optional context block,
// history window, and current user message, then fits the whole thing to
// the prompt token budget.
func (o *Orchestrator) assemblePrompt(ctx context.Context, sessionID string, modelType ModelType, req Request) ([]llmport.Message, []Source, error) {
	window := o.cfg.HistoryWindowBasic
	if modelType != Basic {
		window = o.cfg.HistoryWindowAdvanced
	}

	history, err := o.store.GetRecentMessages(ctx, sessionID, window+1) // +1 to account for the just-persisted user turn
	if err != nil {
		return nil, nil, legalcore.Wrap(legalcore.KindFatal, "loading chat history", err)
	}
	if len(history) > 0 && history[len(history)-1].Role == "user" && history[len(history)-1].Content == req.Message {
		history = history[:len(history)-1]
	}

	var contextBlock string
	var sources []Source
	if req.ragEnabled() {
		contextBlock, sources, err = o.buildContext(ctx, req.Message, modelType)
		if err != nil {
			return nil, nil, err
		}
	}

	messages := []llmport.Message{{Role: "system", Content: o.cfg.SystemPrompt}}
	if contextBlock != "" {
		messages = append(messages, llmport.Message{Role: "system", Content: contextBlock})
	}
	for _, m := range history {
		messages = append(messages, llmport.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llmport.Message{Role: "user", Content: req.Message})

	messages = fitPromptBudget(messages, o.cfg.PromptBudgetTokens)
	return messages, sources, nil
}

// buildContext runs the retriever and formats the context block.
// AdvancedRAG retrieves twice: once on the raw query, once on a
// backend-rewritten query, merging and re-ranking by PrecisionScore.
func (o *Orchestrator) buildContext(ctx context.Context, message string, modelType ModelType) (string, []Source, error) {
	hits, err := o.retriever.Search(ctx, message, o.cfg.RetrievalTopK)
	if err != nil {
		return "", nil, err
	}

	if modelType == AdvancedRAG {
		rewritten, err := o.rewriteQuery(ctx, message)
		if err == nil && rewritten != "" && rewritten != message {
			more, err := o.retriever.Search(ctx, rewritten, o.cfg.RetrievalTopK)
			if err == nil {
				hits = mergeRescored(hits, more, o.cfg.RetrievalTopK)
			}
		}
	}

	if len(hits) == 0 {
		return "", nil, nil
	}

	var b strings.Builder
	b.WriteString("Relevant legal context:\n")
	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		tag := fmt.Sprintf("[doc:%s", h.DocumentTitle)
		if h.ArticleNumber != "" {
			tag += fmt.Sprintf(" §%s", h.ArticleNumber)
		}
		tag += "]"
		fmt.Fprintf(&b, "%s %s\n", tag, h.Content)
		sources = append(sources, Source{Title: h.DocumentTitle, ArticleNumber: h.ArticleNumber, Score: h.PrecisionScore})
	}
	return b.String(), sources, nil
}

// rewriteQuery asks the backend to restate message as a focused search
// query; failures degrade to the
// original query rather than aborting the turn.
func (o *Orchestrator) rewriteQuery(ctx context.Context, message string) (string, error) {
	resp, err := o.backend.Generate(ctx, []llmport.Message{
		{Role: "system", Content: "Restate the user's question as a short, focused search query for a legal document index. Reply with the query text only."},
		{Role: "user", Content: message},
	}, llmport.GenerateOptions{MaxTokens: 64})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// mergeRescored deduplicates two hit sets by segment id, keeping the
// higher PrecisionScore for duplicates, then sorts descending and
// truncates to k.
func mergeRescored(a, b []retrieval.ScoredSegment, k int) []retrieval.ScoredSegment {
	byID := make(map[int64]retrieval.ScoredSegment, len(a)+len(b))
	for _, s := range append(append([]retrieval.ScoredSegment{}, a...), b...) {
		if existing, ok := byID[s.ID]; !ok || s.PrecisionScore > existing.PrecisionScore {
			byID[s.ID] = s
		}
	}
	out := make([]retrieval.ScoredSegment, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PrecisionScore > out[j].PrecisionScore })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// fitPromptBudget truncates history from the oldest end until the
// prompt fits the token budget. The leading system message(s) and the
// final user message are never dropped.
func fitPromptBudget(messages []llmport.Message, budgetTokens int) []llmport.Message {
	fixed := 0
	for _, m := range messages {
		if m.Role == "system" {
			fixed++
			continue
		}
		break
	}

	// messages[fixed:len-1] is droppable history; the final user message
	// at len(messages)-1 is never dropped.
	for estimateTokens(messages) > budgetTokens && len(messages)-1-fixed > 0 {
		messages = append(messages[:fixed], messages[fixed+1:]...)
	}
	return messages
}

func estimateTokens(messages []llmport.Message) int {
	total := 0
	for _, m := range messages {
		total += legal.EstimateTokens(m.Content)
	}
	return total
}

func metadataJSON(model string, sources []Source, elapsed time.Duration) string {
	var b strings.Builder
	b.WriteString("{")
	fmt.Fprintf(&b, `"model":%q,"duration_ms":%d,"sources":[`, model, elapsed.Milliseconds())
	for i, s := range sources {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"title":%q,"article_number":%q,"score":%v}`, s.Title, s.ArticleNumber, s.Score)
	}
	b.WriteString("]}")
	return b.String()
}
