package legalcore

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the service exposes plus the storage
// location and LLM backend endpoints. A single Config is loaded
// once at process startup and passed by reference through CoreServices;
// nothing in this codebase re-reads it afterwards.
type Config struct {
	DBPath string `json:"db_path"`

	// Splitter (legal package).
	MaxTokens     int `json:"max_tokens"`
	Overlap       int `json:"overlap"`
	MinChunkChars int `json:"min_chunk_chars"`

	// Index / retrieval.
	EmbeddingDim int `json:"embedding_dim"`
	DefaultTopK  int `json:"default_top_k"`

	// Chat orchestrator.
	UnifiedThresholdChars int                  `json:"unified_threshold_chars"`
	SessionHistoryWindow  SessionHistoryWindow `json:"session_history_window"`
	PromptBudgetTokens    int                  `json:"prompt_budget_tokens"`

	// Contract review pipeline.
	MinContractChars   int           `json:"min_contract_chars"`
	ReviewStageTimeout time.Duration `json:"review_stage_timeout"`
	PerReviewDeadline  time.Duration `json:"per_review_deadline"`

	// Ingestion.
	IngestionBatchSize int `json:"ingestion_batch_size"`
	EmbedRetries       int `json:"embed_retries"`

	// Resource ceilings.
	MaxSQLConnections         int `json:"max_sql_connections"`
	MaxConcurrentBackendCalls int `json:"max_concurrent_backend_calls"`
	QueueCapacity             int `json:"queue_capacity"`

	// Backend endpoints (ChatBackend/Embedder reference adapter).
	ChatBackend LLMEndpoint `json:"chat_backend"`
	Embedder    LLMEndpoint `json:"embedder"`

	// HTTP surface (ambient; transport itself is out of scope).
	ListenAddr  string `json:"listen_addr"`
	APIKey      string `json:"api_key"`
	CORSOrigins string `json:"cors_origins"`
}

// SessionHistoryWindow bounds how many prior turns are recalled per
// ModelType.
type SessionHistoryWindow struct {
	Basic    int `json:"basic"`
	Advanced int `json:"advanced"`
}

// LLMEndpoint configures the OpenAI-compatible reference adapter in
// package llmport.
type LLMEndpoint struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:        "",
		MaxTokens:     512,
		Overlap:       50,
		MinChunkChars: 30,

		EmbeddingDim: 768,
		DefaultTopK:  5,

		UnifiedThresholdChars: 120,
		SessionHistoryWindow:  SessionHistoryWindow{Basic: 15, Advanced: 30},
		PromptBudgetTokens:    8000,

		MinContractChars:   200,
		ReviewStageTimeout: 120 * time.Second,
		PerReviewDeadline:  25 * time.Minute,

		IngestionBatchSize: 16,
		EmbedRetries:       3,

		MaxSQLConnections:         20,
		MaxConcurrentBackendCalls: 10,
		QueueCapacity:             100,

		ChatBackend: LLMEndpoint{BaseURL: "http://localhost:11434/v1", Model: "llama3.1:8b"},
		Embedder:    LLMEndpoint{BaseURL: "http://localhost:11434/v1", Model: "nomic-embed-text"},

		ListenAddr: ":8080",
	}
}

// LoadConfig reads a JSON config file (if path is non-empty and exists),
// then layers environment-variable overrides on top, mirroring the
// load-file-then-override-from-env convention this codebase's cmd/server
// entrypoint has always used.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, Wrap(KindInvalidInput, "parsing config file", err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, Wrap(KindInvalidInput, "reading config file", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEGALCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LEGALCORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LEGALCORE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LEGALCORE_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = v
	}
	if v := os.Getenv("LEGALCORE_CHAT_BASE_URL"); v != "" {
		cfg.ChatBackend.BaseURL = v
	}
	if v := os.Getenv("LEGALCORE_CHAT_API_KEY"); v != "" {
		cfg.ChatBackend.APIKey = v
	}
	if v := os.Getenv("LEGALCORE_CHAT_MODEL"); v != "" {
		cfg.ChatBackend.Model = v
	}
	if v := os.Getenv("LEGALCORE_EMBED_BASE_URL"); v != "" {
		cfg.Embedder.BaseURL = v
	}
	if v := os.Getenv("LEGALCORE_EMBED_API_KEY"); v != "" {
		cfg.Embedder.APIKey = v
	}
	if v := os.Getenv("LEGALCORE_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTokens = n
		}
	}
	if v := os.Getenv("LEGALCORE_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
}
