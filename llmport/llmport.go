// Package llmport defines the two model-facing ports the rest of this
// codebase consumes — Embedder and ChatBackend — and the Backend adapter
// implementing both against any OpenAI-compatible endpoint
// (github.com/sashabaranov/go-openai). One adapter covers every
// deployment this service targets: the hosted APIs and the local servers
// (Ollama, LM Studio, vLLM) all speak the same chat/embeddings wire
// format, differing only in base URL and auth.
package llmport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lexreason/legalcore"
)

// Message is one prompt part handed to the backend.
type Message struct {
	Role    string
	Content string
}

// GenerateOptions configures a single ChatBackend call.
type GenerateOptions struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	ResponseFormat string // "json_object" to request JSON mode
}

// GenerateResult is one completed generation plus its token usage.
type GenerateResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is a single streamed frame:
// {type: "content"|"complete"|"error", content?, error?}.
type Chunk struct {
	Type    string
	Content string
	Error   string
}

const (
	ChunkContent  = "content"
	ChunkComplete = "complete"
	ChunkError    = "error"
)

// ChatBackend generates completions, non-streaming or streamed.
type ChatBackend interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*GenerateResult, error)
	GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan Chunk, error)
}

// Embedder turns a batch of texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Backend implements ChatBackend and Embedder over one OpenAI-compatible
// endpoint. Chat and embedding deployments usually differ in model (and
// sometimes base URL), so the service wires two Backend instances, one
// per concern.
type Backend struct {
	client *openai.Client
	model  string
}

// New builds a Backend for the endpoint at baseURL. model is the default
// for calls that do not override it.
func New(baseURL, apiKey, model string) *Backend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &Backend{client: openai.NewClientWithConfig(cfg), model: model}
}

// Embed implements Embedder. Vectors are returned in input order.
func (b *Backend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := b.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(b.model),
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, legalcore.New(legalcore.KindFatal, "embedding count does not match input count")
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, legalcore.New(legalcore.KindFatal, "embedding index out of range")
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Generate implements ChatBackend.
func (b *Backend) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*GenerateResult, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.chatRequest(messages, opts, false))
	if err != nil {
		return nil, classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, legalcore.New(legalcore.KindFatal, "backend returned no choices")
	}
	return &GenerateResult{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// GenerateStream implements ChatBackend. The returned channel is closed
// after exactly one terminal frame (type "complete" or "error").
func (b *Backend) GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan Chunk, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.chatRequest(messages, opts, true))
	if err != nil {
		return nil, classifyErr(err)
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Chunk{Type: ChunkComplete}
				return
			}
			if err != nil {
				out <- Chunk{Type: ChunkError, Error: err.Error()}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- Chunk{Type: ChunkContent, Content: delta}:
			case <-ctx.Done():
				out <- Chunk{Type: ChunkError, Error: ctx.Err().Error()}
				return
			}
		}
	}()
	return out, nil
}

func (b *Backend) chatRequest(messages []Message, opts GenerateOptions, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       firstNonEmpty(opts.Model, b.model),
		Messages:    toOpenAIMessages(messages),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	if opts.ResponseFormat == "json_object" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// classifyErr maps a backend/library error to a legalcore.Kind so
// retry/surfacing policy can act on it without re-parsing HTTP status
// text.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if status, ok := httpStatusOf(err); ok {
		switch status {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return legalcore.Wrap(legalcore.KindTransient, "llm backend call", err)
		}
		return legalcore.Wrap(legalcore.KindFatal, "llm backend call", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		errors.Is(err, context.DeadlineExceeded) {
		return legalcore.Wrap(legalcore.KindTransient, "llm backend call", err)
	}
	return legalcore.Wrap(legalcore.KindFatal, "llm backend call", err)
}

func httpStatusOf(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
