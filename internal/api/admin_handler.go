package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"aiassist/internal/domain/rag"
)

// AdminHandler AI 配置与模型配置管理
type AdminHandler struct {
	knowledge KnowledgeService
	store     ConfigStore
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(knowledge KnowledgeService, store ConfigStore) *AdminHandler {
	return &AdminHandler{knowledge: knowledge, store: store}
}

// RegisterConfigRoutes 注册 /ai-configs/{id} 路由
func (h *AdminHandler) RegisterConfigRoutes(r chi.Router) {
	r.Get("/", h.GetAIConfig)
	r.Delete("/", h.DeleteAIConfig)
}

// RegisterModelRoutes 注册 /model-configs 路由（写操作需要 admin 角色）
func (h *AdminHandler) RegisterModelRoutes(r chi.Router) {
	r.Get("/", h.ListModelConfigs)
	r.Group(func(r chi.Router) {
		r.Use(requireRole(RoleAdmin))
		r.Post("/", h.CreateModelConfig)
		r.Put("/{id}/activate", h.ActivateModelConfig)
	})
}

type createAIConfigRequest struct {
	Name          string `json:"name"`
	Rules         string `json:"rules"`
	ModelConfigID string `json:"model_config_id"`
}

func (h *AdminHandler) CreateAIConfig(w http.ResponseWriter, r *http.Request) {
	var req createAIConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cfg := &rag.AIConfig{
		Name:          strings.TrimSpace(req.Name),
		Rules:         req.Rules,
		ModelConfigID: req.ModelConfigID,
		RagTopK:       rag.MinAutoTopK,
	}
	if scope, err := ScopeFrom(r.Context()); err == nil {
		cfg.CompanyID = scope.CompanyID
	}
	if err := h.store.CreateAIConfig(r.Context(), cfg); err != nil {
		writeDomainError(w, err, "create ai config")
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *AdminHandler) GetAIConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetAIConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "get ai config")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "ai config not found")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteAIConfig 删除配置、分块行与向量集合
func (h *AdminHandler) DeleteAIConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.knowledge.DeleteConfig(r.Context(), id); err != nil {
		writeDomainError(w, err, "delete ai config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *AdminHandler) ListModelConfigs(w http.ResponseWriter, r *http.Request) {
	models, err := h.store.ListModelConfigs(r.Context())
	if err != nil {
		writeDomainError(w, err, "list model configs")
		return
	}
	if models == nil {
		models = []*rag.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *AdminHandler) CreateModelConfig(w http.ResponseWriter, r *http.Request) {
	var m rag.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(m.Model) == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if m.Temperature < 0 || m.Temperature > 2 || m.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, "temperature must be in [0,2] and max_tokens >= 0")
		return
	}
	m.ID = ""
	if err := h.store.CreateModelConfig(r.Context(), &m); err != nil {
		writeDomainError(w, err, "create model config")
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

// ActivateModelConfig 切换全局激活模型
func (h *AdminHandler) ActivateModelConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.ActivateModelConfig(r.Context(), id); err != nil {
		writeDomainError(w, err, "activate model config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": true})
}
