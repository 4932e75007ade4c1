//go:build cgo

package review

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/store"
)

type fakeExtractor struct{ text string }

func (f fakeExtractor) Extract(ctx context.Context, data []byte, mime string) (string, []string, error) {
	return f.text, nil, nil
}

// fakeBackend returns riskDimensionsSystemPrompt/keyClausesSystemPrompt-
// shaped JSON depending on which system prompt it receives, so analyze()
// can run against it without a real model.
type fakeBackend struct{}

func (f fakeBackend) Generate(ctx context.Context, messages []llmport.Message, opts llmport.GenerateOptions) (*llmport.GenerateResult, error) {
	sysPrompt := messages[0].Content
	switch sysPrompt {
	case riskDimensionsSystemPrompt:
		return &llmport.GenerateResult{Text: `{"dimensions":[{"dimension_name":"liability","risk_level":"high","risk_points":15,"description":"unlimited liability clause","legal_basis":"","improvements":["cap liability"]}]}`}, nil
	case keyClausesSystemPrompt:
		return &llmport.GenerateResult{Text: `{"clauses":[{"title":"Termination","content":"either party may terminate","analysis":"standard","importance":"medium","is_complete":true,"suggestion":"add notice period"}]}`}, nil
	default:
		return &llmport.GenerateResult{Text: "{}"}, nil
	}
}

func (f fakeBackend) GenerateStream(ctx context.Context, messages []llmport.Message, opts llmport.GenerateOptions) (<-chan llmport.Chunk, error) {
	panic("not used by the review pipeline")
}

const sampleContract = `This agreement is entered into between Party A and Party B for the provision of consulting services. Either party may terminate this agreement upon thirty days written notice. Party A shall be liable for all damages without limitation arising from any breach. Payment is due within 30 days of invoice.`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPipeline_SubmitToCompletion(t *testing.T) {
	s := newTestStore(t)
	p := New(s, fakeExtractor{text: sampleContract}, fakeBackend{}, Config{MinContractChars: 50})

	id, err := p.Submit(context.Background(), "u1", []byte("fake bytes"), "contract.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events, ok := p.Subscribe(id)
	if !ok {
		t.Fatal("expected a broker for the submitted review")
	}

	var last store.ContractReview
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-events:
			if !open {
				goto done
			}
			if ev.Completed {
				goto done
			}
		case <-deadline:
			t.Fatal("timed out waiting for review completion event")
		}
	}
done:

	rev, clauses, err := p.Report(context.Background(), id)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	last = *rev
	if last.Status != string(Completed) {
		t.Fatalf("expected status COMPLETED, got %q (error: %v)", last.Status, last.ErrorMessage)
	}
	if len(clauses) == 0 {
		t.Fatal("expected at least one risk clause")
	}

	var report Report
	if err := json.Unmarshal([]byte(last.Result.String), &report); err != nil {
		t.Fatalf("unmarshalling report: %v", err)
	}
	if report.ComplianceScore != 85 {
		t.Fatalf("expected compliance score 85 (100 - 15 for one high-risk dimension), got %d", report.ComplianceScore)
	}
	if report.ExecutiveSummary.RiskLevel != "high" {
		t.Fatalf("expected overall risk level high, got %q", report.ExecutiveSummary.RiskLevel)
	}
}

func TestPipeline_FailsBelowMinChars(t *testing.T) {
	s := newTestStore(t)
	p := New(s, fakeExtractor{text: "too short"}, fakeBackend{}, Config{MinContractChars: 200})

	id, err := p.Submit(context.Background(), "u1", []byte("fake bytes"), "contract.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events, _ := p.Subscribe(id)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-events:
			if !open || ev.Completed {
				goto done
			}
		case <-deadline:
			t.Fatal("timed out waiting for failure event")
		}
	}
done:

	rev, _, err := p.Report(context.Background(), id)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rev.Status != string(Failed) {
		t.Fatalf("expected status FAILED, got %q", rev.Status)
	}
}

func TestPipeline_SubmitDedupesAgainstTerminalReview(t *testing.T) {
	s := newTestStore(t)
	p := New(s, fakeExtractor{text: sampleContract}, fakeBackend{}, Config{MinContractChars: 50})

	bytes := []byte("fake bytes, same content every time")

	first, err := p.Submit(context.Background(), "u1", bytes, "contract.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	events, ok := p.Subscribe(first)
	if !ok {
		t.Fatal("expected a broker for the first submitted review")
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-events:
			if !open || ev.Completed {
				goto done
			}
		case <-deadline:
			t.Fatal("timed out waiting for first review to complete")
		}
	}
done:

	rev, _, err := p.Report(context.Background(), first)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rev.Status != string(Completed) {
		t.Fatalf("expected first review COMPLETED, got %q", rev.Status)
	}

	// Re-submitting the exact same bytes after the first review has
	// already reached a terminal state must return the same id without
	// re-running extraction/analysis.
	second, err := p.Submit(context.Background(), "u1", bytes, "contract.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second != first {
		t.Fatalf("expected dedup to return existing review id %q, got %q", first, second)
	}

	// Attaching to the deduped review's progress channel replays the
	// terminal event immediately (replay-1) instead of starting over.
	replay, ok := p.Subscribe(second)
	if !ok {
		t.Fatal("expected the existing broker to still be attachable")
	}
	ev, open := <-replay
	if !open || !ev.Completed {
		t.Fatalf("expected an immediate terminal replay event, got %+v (open=%v)", ev, open)
	}
}

func TestComplianceScoreFormula(t *testing.T) {
	dims := []RiskDimension{
		{RiskLevel: "high"}, {RiskLevel: "high"}, {RiskLevel: "high"},
		{RiskLevel: "medium"}, {RiskLevel: "low"},
	}
	// high*15*3=45 + medium*7=7 + low*2=2 = 54, capped at 40 -> 60.
	if got := complianceScore(dims); got != 60 {
		t.Fatalf("expected capped compliance score 60, got %d", got)
	}
}
