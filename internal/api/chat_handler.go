package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aiassist/internal/domain/rag"
)

// ChatHandler 检索与问答 API
type ChatHandler struct {
	service     ChatService
	transcripts TranscriptReader
}

// NewChatHandler 创建问答处理器
func NewChatHandler(service ChatService, transcripts TranscriptReader) *ChatHandler {
	return &ChatHandler{service: service, transcripts: transcripts}
}

// RegisterRoutes 注册 /ai-configs/{id} 下的检索与问答路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/search", h.Search)
	r.Post("/chat", h.Chat)
}

type searchRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	Source string `json:"source"`
}

// Search 仅检索，不调用 LLM
func (h *ChatHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Search(r.Context(), chi.URLParam(r, "id"), req.Query, req.TopK, req.Source)
	if err != nil {
		writeDomainError(w, err, "search")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	TopK      int    `json:"top_k"`
}

// Chat 单轮问答：检索 + 生成
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Ask(r.Context(), rag.ChatRequest{
		AIConfigID: chi.URLParam(r, "id"),
		SessionID:  req.SessionID,
		Message:    req.Message,
		TopK:       req.TopK,
	})
	if err != nil {
		// LLM 失败时仍返回检索结果，便于排查
		if errors.Is(err, rag.ErrLLMUnavailable) && result != nil {
			writeResponse(w, http.StatusBadGateway, result.Message, result)
			return
		}
		writeDomainError(w, err, "chat")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListMessages 读取会话记录
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	if h.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}
	msgs, err := h.transcripts.Load(r.Context(), chi.URLParam(r, "sessionID"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err, "load transcript")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
