// Package review runs contract reviews: a coarse-grained state machine
// driven by a single-writer worker per review id, with a progress broker
// feeding SSE subscribers. Each review extracts the contract text, runs
// the risk-dimension and key-clause prompts in parallel, and assembles
// the merged report.
package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lexreason/legalcore"
	"github.com/lexreason/legalcore/analyzer"
	"github.com/lexreason/legalcore/broker"
	"github.com/lexreason/legalcore/extract"
	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/store"
)

// Status mirrors the contract_reviews.status column. No backward
// transitions are ever issued by this package.
type Status string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
)

// Stage labels reported on broker.Event.
const (
	StageParsing          = "PARSING"
	StageAnalyzing        = "ANALYZING"
	StageGeneratingReport = "GENERATING_REPORT"
	StageCompleted        = "COMPLETED"
	StageFailed           = "FAILED"
)

// RiskDimension is one element of the risk-dimensions analytic prompt's
// output.
type RiskDimension struct {
	DimensionName string   `json:"dimension_name" validate:"required"`
	RiskLevel     string   `json:"risk_level" validate:"required,oneof=high medium low"`
	RiskPoints    int      `json:"risk_points" validate:"gte=0"`
	Description   string   `json:"description" validate:"required"`
	LegalBasis    string   `json:"legal_basis"`
	Improvements  []string `json:"improvements"`
}

type riskDimensionsResult struct {
	Dimensions []RiskDimension `json:"dimensions" validate:"required,dive"`
}

// KeyClause is one element of the key-clauses analytic prompt's output.
type KeyClause struct {
	Title      string `json:"title" validate:"required"`
	Content    string `json:"content" validate:"required"`
	Analysis   string `json:"analysis" validate:"required"`
	Importance string `json:"importance" validate:"required,oneof=high medium low"`
	IsComplete bool   `json:"is_complete"`
	Suggestion string `json:"suggestion"`
}

type keyClausesResult struct {
	Clauses []KeyClause `json:"clauses" validate:"required,dive"`
}

// ExecutiveSummary is the report's top-line section.
type ExecutiveSummary struct {
	ContractType      string   `json:"contract_type"`
	RiskLevel         string   `json:"risk_level"`
	Reason            string   `json:"reason"`
	CoreRisks         []string `json:"core_risks"`
	ActionSuggestions []string `json:"action_suggestions"`
}

// ImprovementSuggestion is one entry of the report's improvement
// suggestions section.
type ImprovementSuggestion struct {
	Priority       string `json:"priority"`
	Problem        string `json:"problem"`
	Modification   string `json:"modification"`
	ExpectedEffect string `json:"expected_effect"`
}

// Report merges rule-derived statistics with AI-generated prose. Every
// section is present even when empty: an empty section serializes as []
// or null, never as a missing key.
type Report struct {
	ExecutiveSummary       ExecutiveSummary        `json:"executive_summary"`
	RiskDimensions         []RiskDimension         `json:"risk_dimensions"`
	KeyClauses             []KeyClause             `json:"key_clauses"`
	ComplianceScore        int                     `json:"compliance_score"`
	ImprovementSuggestions []ImprovementSuggestion `json:"improvement_suggestions"`
}

// Config controls per-call timeouts/retries.
type Config struct {
	MinContractChars int
	StageTimeout     time.Duration
	StageRetries     int
	ReviewDeadline   time.Duration
}

func withDefaults(cfg Config) Config {
	if cfg.MinContractChars <= 0 {
		cfg.MinContractChars = 200
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 120 * time.Second
	}
	if cfg.StageRetries <= 0 {
		cfg.StageRetries = 2
	}
	if cfg.ReviewDeadline <= 0 {
		cfg.ReviewDeadline = 25 * time.Minute
	}
	return cfg
}

// Pipeline drives the Contract Review Pipeline's single-writer-per-review
// workers.
type Pipeline struct {
	store     *store.Store
	extractor extract.Extractor
	backend   llmport.ChatBackend
	cfg       Config

	mu       sync.Mutex
	brokers  map[string]*broker.Broker
	inFlight map[string]bool
}

// New builds a Pipeline.
func New(s *store.Store, extractor extract.Extractor, backend llmport.ChatBackend, cfg Config) *Pipeline {
	return &Pipeline{
		store:     s,
		extractor: extractor,
		backend:   backend,
		cfg:       withDefaults(cfg),
		brokers:   make(map[string]*broker.Broker),
		inFlight:  make(map[string]bool),
	}
}

// Submit starts a review for the uploaded bytes. Submission is
// idempotent: re-submitting a review already PENDING/PROCESSING attaches
// to the existing progress channel instead of starting a second worker;
// re-submitting one that already reached COMPLETED/FAILED returns its id
// unchanged (callers fetch the result via Report).
func (p *Pipeline) Submit(ctx context.Context, userID string, data []byte, filename, mime string) (string, error) {
	hash := contentHash(data)

	p.mu.Lock()
	for id, running := range p.inFlight {
		if running {
			if existing, err := p.store.GetContractReview(ctx, id); err == nil && existing.Hash == hash {
				p.mu.Unlock()
				return id, nil
			}
		}
	}
	p.mu.Unlock()

	// Identical bytes that already ran to a terminal state skip
	// extraction and analysis entirely rather than starting a new review.
	if existing, err := p.store.GetContractReviewByHash(ctx, hash); err == nil {
		return existing.ID, nil
	} else if legalcore.Of(err) != legalcore.KindNotFound {
		return "", legalcore.Wrap(legalcore.KindFatal, "checking for existing review by hash", err)
	}

	text, warnings, err := p.extractor.Extract(ctx, data, mime)
	if err != nil {
		return "", err
	}
	for _, w := range warnings {
		slog.Warn("review: extractor warning", "warning", w, "filename", filename)
	}

	id := uuid.NewString()
	if err := p.store.CreateContractReview(ctx, id, userID, filename, int64(len(data)), hash); err != nil {
		return "", legalcore.Wrap(legalcore.KindFatal, "creating contract review", err)
	}

	b := broker.New()
	p.mu.Lock()
	p.brokers[id] = b
	p.inFlight[id] = true
	p.mu.Unlock()

	go p.run(id, text)

	return id, nil
}

// Subscribe attaches an SSE listener to reviewID's progress broker. The
// bool return is false if no review with that id has been submitted in
// this process.
func (p *Pipeline) Subscribe(reviewID string) (<-chan broker.Event, bool) {
	p.mu.Lock()
	b, ok := p.brokers[reviewID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return b.Subscribe(), true
}

// Report returns the persisted review and, if COMPLETED, its assembled
// Report along with the risk clauses.
func (p *Pipeline) Report(ctx context.Context, reviewID string) (*store.ContractReview, []store.RiskClause, error) {
	rev, err := p.store.GetContractReview(ctx, reviewID)
	if err != nil {
		return nil, nil, err
	}
	clauses, err := p.store.GetRiskClauses(ctx, reviewID)
	if err != nil {
		return nil, nil, legalcore.Wrap(legalcore.KindFatal, "loading risk clauses", err)
	}
	return rev, clauses, nil
}

// run is the single-writer worker for one review: the only goroutine
// that ever advances its state.
func (p *Pipeline) run(id, text string) {
	defer func() {
		p.mu.Lock()
		p.inFlight[id] = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReviewDeadline)
	defer cancel()

	b := p.brokerFor(id)

	normalized := strings.TrimSpace(text)
	p.publish(b, id, StageParsing, 20, "extracting contract text")
	if len([]rune(normalized)) < p.cfg.MinContractChars {
		p.fail(ctx, b, id, legalcore.New(legalcore.KindInvalidInput, "extracted text is below the minimum contract length"))
		return
	}
	if err := p.store.UpdateReviewStage(ctx, id, string(Processing), normalized); err != nil {
		p.fail(ctx, b, id, legalcore.Wrap(legalcore.KindFatal, "persisting parsed stage", err))
		return
	}

	p.publish(b, id, StageAnalyzing, 60, "analyzing risk dimensions and key clauses")
	dims, clauses, err := p.analyze(ctx, normalized)
	if err != nil {
		p.fail(ctx, b, id, err)
		return
	}

	p.publish(b, id, StageGeneratingReport, 90, "assembling report")
	report := assembleReport(dims, clauses)

	riskLevel := overallRiskLevel(dims)
	storeClauses := toStoreRiskClauses(id, dims)
	resultJSON, err := marshalReport(report)
	if err != nil {
		p.fail(ctx, b, id, legalcore.Wrap(legalcore.KindFatal, "marshalling report", err))
		return
	}
	if err := p.store.CompleteReview(ctx, id, riskLevel, len(dims), resultJSON, storeClauses); err != nil {
		p.fail(ctx, b, id, legalcore.Wrap(legalcore.KindFatal, "persisting completed review", err))
		return
	}

	ev := broker.NowEvent(id, StageCompleted, 100, "review complete")
	ev.Completed = true
	b.Publish(ev)
}

// analyze runs the ANALYZING stage: the risk-dimensions and key-clauses
// prompts run concurrently via errgroup, each through analyzer.Extract,
// each with its own timeout/retry policy.
func (p *Pipeline) analyze(ctx context.Context, text string) ([]RiskDimension, []KeyClause, error) {
	var dims []RiskDimension
	var clauses []KeyClause

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := extractWithRetry(p, gctx, func(ctx context.Context) (riskDimensionsResult, error) {
			return analyzer.Extract[riskDimensionsResult](ctx, p.backend, llmport.GenerateOptions{}, riskDimensionsSystemPrompt, text)
		})
		if err != nil {
			return err
		}
		dims = r.Dimensions
		return nil
	})
	g.Go(func() error {
		r, err := extractWithRetry(p, gctx, func(ctx context.Context) (keyClausesResult, error) {
			return analyzer.Extract[keyClausesResult](ctx, p.backend, llmport.GenerateOptions{}, keyClausesSystemPrompt, text)
		})
		if err != nil {
			return err
		}
		clauses = r.Clauses
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return dims, clauses, nil
}

// extractWithRetry retries a transient prompt failure up to
// cfg.StageRetries times with linear backoff. A non-retryable error
// (including InvalidStructuredOutput, since analyzer.Extract already
// attempted one repair internally) fails immediately.
func extractWithRetry[T any](p *Pipeline, ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.cfg.StageRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		result, err := call(callCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !legalcore.IsRetryable(err) {
			return zero, err
		}
		backoff := time.Duration(attempt+1) * 500 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

func (p *Pipeline) brokerFor(id string) *broker.Broker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brokers[id]
}

func (p *Pipeline) publish(b *broker.Broker, id, stage string, progress int, message string) {
	b.Publish(broker.NowEvent(id, stage, progress, message))
}

func (p *Pipeline) fail(ctx context.Context, b *broker.Broker, id string, err error) {
	slog.Error("review: stage failed", "review_id", id, "error", err)
	if dbErr := p.store.FailReview(ctx, id, err.Error()); dbErr != nil {
		slog.Error("review: persisting failed status failed", "review_id", id, "error", dbErr)
	}
	ev := broker.NowEvent(id, StageFailed, 100, "review failed")
	ev.Error = err.Error()
	ev.Completed = true
	b.Publish(ev)
}

// overallRiskLevel is the max over dimensions: high if any dimension is
// high, else medium if any is medium, else low.
func overallRiskLevel(dims []RiskDimension) string {
	level := "low"
	for _, d := range dims {
		switch d.RiskLevel {
		case "high":
			return "high"
		case "medium":
			level = "medium"
		}
	}
	return level
}

// complianceScore is 100 - min(40, high*15 + medium*7 + low*2).
func complianceScore(dims []RiskDimension) int {
	var high, medium, low int
	for _, d := range dims {
		switch d.RiskLevel {
		case "high":
			high++
		case "medium":
			medium++
		case "low":
			low++
		}
	}
	deduction := high*15 + medium*7 + low*2
	if deduction > 40 {
		deduction = 40
	}
	return 100 - deduction
}

// assembleReport implements the Report Model Assembler.
func assembleReport(dims []RiskDimension, clauses []KeyClause) Report {
	if dims == nil {
		dims = []RiskDimension{}
	}
	if clauses == nil {
		clauses = []KeyClause{}
	}

	coreRisks := make([]string, 0, len(dims))
	suggestions := make([]ImprovementSuggestion, 0)
	for _, d := range dims {
		if d.RiskLevel == "high" || d.RiskLevel == "medium" {
			coreRisks = append(coreRisks, d.DimensionName+": "+d.Description)
		}
		for _, improvement := range d.Improvements {
			suggestions = append(suggestions, ImprovementSuggestion{
				Priority:       d.RiskLevel,
				Problem:        d.DimensionName,
				Modification:   improvement,
				ExpectedEffect: "reduces " + d.DimensionName + " risk",
			})
		}
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return priorityRank(suggestions[i].Priority) < priorityRank(suggestions[j].Priority)
	})

	actionSuggestions := make([]string, 0, len(clauses))
	for _, c := range clauses {
		if c.Suggestion != "" {
			actionSuggestions = append(actionSuggestions, c.Suggestion)
		}
	}

	return Report{
		ExecutiveSummary: ExecutiveSummary{
			RiskLevel:         overallRiskLevel(dims),
			CoreRisks:         coreRisks,
			ActionSuggestions: actionSuggestions,
		},
		RiskDimensions:         dims,
		KeyClauses:             clauses,
		ComplianceScore:        complianceScore(dims),
		ImprovementSuggestions: suggestions,
	}
}

func priorityRank(level string) int {
	switch level {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}

func toStoreRiskClauses(reviewID string, dims []RiskDimension) []store.RiskClause {
	out := make([]store.RiskClause, len(dims))
	for i, d := range dims {
		out[i] = store.RiskClause{
			ReviewID:    reviewID,
			ClauseText:  d.DimensionName,
			RiskType:    d.DimensionName,
			RiskLevel:   d.RiskLevel,
			Description: d.Description,
			Suggestion:  strings.Join(d.Improvements, "; "),
			LegalBasis:  d.LegalBasis,
		}
	}
	return out
}

const riskDimensionsSystemPrompt = `You are a contract risk analyst. Given the contract text, identify its risk dimensions (e.g. liability, termination, payment, IP, confidentiality, compliance). Respond with strict JSON: {"dimensions":[{"dimension_name":str,"risk_level":"high"|"medium"|"low","risk_points":int,"description":str,"legal_basis":str,"improvements":[str]}]}. Do not include any prose outside the JSON object.`

const keyClausesSystemPrompt = `You are a contract review assistant. Identify the key clauses in the contract text. Respond with strict JSON: {"clauses":[{"title":str,"content":str,"analysis":str,"importance":"high"|"medium"|"low","is_complete":bool,"suggestion":str}]}. Do not include any prose outside the JSON object.`

func marshalReport(r Report) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
