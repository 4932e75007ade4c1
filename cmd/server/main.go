package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexreason/legalcore"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := legalcore.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	svc, err := newCoreServices(cfg)
	if err != nil {
		slog.Error("wiring core services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	h := newHandler(svc)
	mux := http.NewServeMux()

	// Chat orchestrator.
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /chat/stream", h.handleChatStream)
	mux.HandleFunc("GET /chat/sessions", h.handleListSessions)
	mux.HandleFunc("GET /chat/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /chat/sessions/{id}", h.handleDeleteSession)

	// Contract review pipeline.
	mux.HandleFunc("POST /contracts/upload", h.handleContractUpload)
	mux.HandleFunc("GET /contracts/{id}/analyze-async", h.handleContractProgress)
	mux.HandleFunc("GET /contracts/{id}/report", h.handleContractReport)

	// Ingestion coordinator (document corpus management).
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("POST /documents", h.handleIngestDocument)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)

	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (chat/SSE can run long)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
