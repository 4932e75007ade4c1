package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lexreason/legalcore"
	"github.com/lexreason/legalcore/chat"
	"github.com/lexreason/legalcore/legal"
	"github.com/lexreason/legalcore/llmport"
	"github.com/lexreason/legalcore/review"
)

type handler struct {
	svc *coreServices
}

func newHandler(svc *coreServices) *handler {
	return &handler{svc: svc}
}

// unifiedChatRequest is the body shared by POST /chat and
// POST /chat/stream.
type unifiedChatRequest struct {
	Message          string `json:"message"`
	ConversationID   string `json:"conversation_id,omitempty"`
	UseKnowledgeBase *bool  `json:"use_knowledge_base,omitempty"`
	ModelType        string `json:"model_type,omitempty"`
	ModelName        string `json:"model_name,omitempty"`
}

func (r unifiedChatRequest) toChatRequest(userID string) chat.Request {
	mt := chat.ModelType(r.ModelType)
	if mt == "" {
		mt = chat.Unified
	}
	return chat.Request{
		Message:          r.Message,
		ConversationID:   r.ConversationID,
		UserID:           userID,
		UseKnowledgeBase: r.UseKnowledgeBase,
		ModelType:        mt,
		ModelName:        r.ModelName,
	}
}

// POST /chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Minute)
	defer cancel()

	var req unifiedChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := h.svc.chat.Chat(ctx, req.toChatRequest(userID(r)))
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": resp.ConversationID,
		"message":         resp.Message,
		"model_type":      resp.ModelType,
		"sources":         resp.Sources,
		"duration_ms":     resp.DurationMs,
	})
}

// POST /chat/stream
// Frames are JSON objects {type, content|error}; the terminator frame is
// {"type":"complete"}, or {"type":"error","error":...} when generation
// fails or is cancelled.
func (h *handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req unifiedChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, _, err := h.svc.chat.ChatStream(r.Context(), req.toChatRequest(userID(r)))
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range ch {
		writeSSEChunk(w, chunk)
		flusher.Flush()
	}
}

func writeSSEChunk(w http.ResponseWriter, chunk llmport.Chunk) {
	frame := map[string]string{"type": chunk.Type}
	if chunk.Content != "" {
		frame["content"] = chunk.Content
	}
	if chunk.Error != "" {
		frame["error"] = chunk.Error
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// GET /chat/sessions
func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.store.ListChatSessions(r.Context(), userID(r))
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GET /chat/sessions/{id}
func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.svc.store.GetChatSession(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	messages, err := h.svc.store.GetRecentMessages(r.Context(), id, 1000)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":  sess,
		"messages": messages,
	})
}

// DELETE /chat/sessions/{id}
func (h *handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.store.DeleteChatSession(r.Context(), id); err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /contracts/upload
func (h *handler) handleContractUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := r.ParseMultipartForm(50 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart file upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	data, err := readAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		slog.Error("contract upload: reading file", "error", err)
		return
	}

	mime := detectContractMIME(header)

	id, err := h.svc.review.Submit(ctx, userID(r), data, header.Filename, mime)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	rev, _, err := h.svc.review.Report(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"review_id": id,
		"status":    rev.Status,
		"file_hash": rev.Hash,
		"size":      rev.Size,
	})
}

func detectContractMIME(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/pdf"
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// GET /contracts/{id}/analyze-async
// SSE stream of ProgressEvent JSON frames.
func (h *handler) handleContractProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	events, ok := h.svc.review.Subscribe(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown review id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Completed {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// GET /contracts/{id}/report
// application/pdf with Content-Disposition: attachment.
func (h *handler) handleContractReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rev, clauses, err := h.svc.review.Report(r.Context(), id)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	if rev.Status != "COMPLETED" {
		writeError(w, http.StatusConflict, fmt.Sprintf("review is not complete (status=%s)", rev.Status))
		return
	}

	var report review.Report
	if rev.Result.Valid {
		if err := json.Unmarshal([]byte(rev.Result.String), &report); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read stored report")
			slog.Error("contract report: unmarshalling stored report", "review_id", id, "error", err)
			return
		}
	}
	_ = clauses // already embedded in the stored report's RiskDimensions

	pdf := review.RenderPDF(rev.Filename, report)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.QueryEscape(rev.Filename+"-report.pdf")))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.ingestor.Stats(r.Context())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /documents (multipart upload of a law/regulation document)
func (h *handler) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart file upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' field")
		return
	}
	defer file.Close()

	data, err := readAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	docID, err := h.svc.ingestor.IngestDocument(ctx, data, detectContractMIME(header), parseCategoryOrDefault(r.FormValue("category")), header.Filename, r.FormValue("metadata"))
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"document_id": docID})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	if err := h.svc.ingestor.DeleteDocument(r.Context(), id); err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func parseCategoryOrDefault(s string) legal.Category {
	switch legal.Category(s) {
	case legal.Law, legal.Regulation, legal.Case, legal.ContractTemplate, legal.General:
		return legal.Category(s)
	default:
		return legal.General
	}
}

func userID(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErrorFor maps a legalcore.Kind to an HTTP status.
func writeErrorFor(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch legalcore.Of(err) {
	case legalcore.KindInvalidInput:
		status = http.StatusBadRequest
	case legalcore.KindNotFound:
		status = http.StatusNotFound
	case legalcore.KindConflict:
		status = http.StatusConflict
	case legalcore.KindResourceExhausted:
		status = http.StatusTooManyRequests
	case legalcore.KindInvalidStructuredOutput:
		status = http.StatusUnprocessableEntity
	case legalcore.KindCancelled:
		status = 499
	case legalcore.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
	case legalcore.KindTransient:
		status = http.StatusBadGateway
	}
	slog.Error("request failed", "error", err, "status", status)
	writeError(w, status, err.Error())
}
