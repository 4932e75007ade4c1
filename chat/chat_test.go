//go:build cgo

package chat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/retrieval"
	"github.com/lexreason/legalcore/store"
)

type fakeEmbedder struct{ vec []float32 }

func (f fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type fakeBackend struct {
	reply string
	calls int
}

func (f *fakeBackend) Generate(ctx context.Context, messages []llmport.Message, opts llmport.GenerateOptions) (*llmport.GenerateResult, error) {
	f.calls++
	return &llmport.GenerateResult{Text: f.reply, Model: "fake-model"}, nil
}

func (f *fakeBackend) GenerateStream(ctx context.Context, messages []llmport.Message, opts llmport.GenerateOptions) (<-chan llmport.Chunk, error) {
	out := make(chan llmport.Chunk, 4)
	go func() {
		defer close(out)
		out <- llmport.Chunk{Type: llmport.ChunkContent, Content: f.reply}
		out <- llmport.Chunk{Type: llmport.ChunkComplete}
	}()
	return out, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChat_CreatesSessionAndPersistsBothMessages(t *testing.T) {
	s := newTestStore(t)
	retriever := retrieval.New(s, fakeEmbedder{vec: []float32{1, 0, 0, 0}})
	backend := &fakeBackend{reply: "hello there"}
	orch := New(s, retriever, backend, Config{})

	resp, err := orch.Chat(context.Background(), Request{Message: "你好", UserID: "u1"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.ConversationID == "" {
		t.Fatal("expected a generated conversation id")
	}
	if resp.Message != "hello there" {
		t.Fatalf("unexpected response message: %q", resp.Message)
	}

	msgs, err := s.GetRecentMessages(context.Background(), resp.ConversationID, 10)
	if err != nil {
		t.Fatalf("fetching messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}

	sess, err := s.GetChatSession(context.Background(), resp.ConversationID)
	if err != nil {
		t.Fatalf("fetching session: %v", err)
	}
	if sess.Title == "" {
		t.Fatal("expected title to be set from the first message")
	}
}

func TestChat_ReusesExistingSession(t *testing.T) {
	s := newTestStore(t)
	retriever := retrieval.New(s, fakeEmbedder{vec: []float32{1, 0, 0, 0}})
	backend := &fakeBackend{reply: "ok"}
	orch := New(s, retriever, backend, Config{})

	resp1, err := orch.Chat(context.Background(), Request{Message: "第一条"})
	if err != nil {
		t.Fatalf("first chat: %v", err)
	}
	resp2, err := orch.Chat(context.Background(), Request{Message: "follow up", ConversationID: resp1.ConversationID})
	if err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if resp2.ConversationID != resp1.ConversationID {
		t.Fatalf("expected same conversation id, got %q and %q", resp1.ConversationID, resp2.ConversationID)
	}

	msgs, err := s.GetRecentMessages(context.Background(), resp1.ConversationID, 10)
	if err != nil {
		t.Fatalf("fetching messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 persisted messages across two turns, got %d", len(msgs))
	}
}

func TestChat_EmptyMessageIsRejected(t *testing.T) {
	s := newTestStore(t)
	retriever := retrieval.New(s, fakeEmbedder{vec: []float32{1, 0, 0, 0}})
	orch := New(s, retriever, &fakeBackend{}, Config{})

	if _, err := orch.Chat(context.Background(), Request{Message: "   "}); err == nil {
		t.Fatal("expected an error for an empty message")
	}
}

func TestChatStream_PersistsBufferedContent(t *testing.T) {
	s := newTestStore(t)
	retriever := retrieval.New(s, fakeEmbedder{vec: []float32{1, 0, 0, 0}})
	backend := &fakeBackend{reply: "streamed answer"}
	orch := New(s, retriever, backend, Config{})

	ch, sessionID, err := orch.ChatStream(context.Background(), Request{Message: "你好"})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}

	var content strings.Builder
	for chunk := range ch {
		if chunk.Type == llmport.ChunkContent {
			content.WriteString(chunk.Content)
		}
	}
	if content.String() != "streamed answer" {
		t.Fatalf("unexpected streamed content: %q", content.String())
	}

	msgs, err := s.GetRecentMessages(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("fetching messages: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "streamed answer" {
		t.Fatalf("expected the streamed assistant message to be persisted, got %+v", msgs)
	}
}

func TestTruncateTitle(t *testing.T) {
	short := "短标题"
	if got := truncateTitle(short, 40); got != short {
		t.Fatalf("expected short title unchanged, got %q", got)
	}

	long := strings.Repeat("条", 60)
	got := truncateTitle(long, 40)
	if len([]rune(got)) > 40 {
		t.Fatalf("expected truncation to at most 40 runes, got %d", len([]rune(got)))
	}
}
