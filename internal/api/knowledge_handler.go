package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
)

const (
	maxUploadFiles   = 20
	defaultListLimit = 50
	maxListLimit     = 200
)

// KnowledgeHandler 知识库上传、列表、删除
type KnowledgeHandler struct {
	service      KnowledgeService
	store        ConfigStore
	maxBodyBytes int64 // 总请求体上限：单文件上限 × 文件数
}

// NewKnowledgeHandler 创建知识库处理器
func NewKnowledgeHandler(service KnowledgeService, store ConfigStore, maxFileMB int) *KnowledgeHandler {
	return &KnowledgeHandler{
		service:      service,
		store:        store,
		maxBodyBytes: (int64(maxFileMB)<<20)*maxUploadFiles + (1 << 20),
	}
}

// RegisterRoutes 注册 /ai-configs/{id}/knowledge 路由
func (h *KnowledgeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/knowledge", func(r chi.Router) {
		r.Post("/upload", h.Upload)
		r.Get("/", h.List)
		r.Delete("/", h.DeleteSource)
	})
}

// Upload 多文件上传入库（multipart/form-data，字段 files）
func (h *KnowledgeHandler) Upload(w http.ResponseWriter, r *http.Request) {
	aiConfigID := chi.URLParam(r, "id")

	// 超过内存阈值的文件落盘，入库时逐个打开
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, rag.ErrNoFiles.Error())
		return
	}
	if len(headers) > maxUploadFiles {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many files (max %d)", maxUploadFiles))
		return
	}

	files := make([]rag.UploadFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, rag.UploadFile{
			Filename: fh.Filename,
			Open:     func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	applog.Debug("[API] Upload received", "ai_config_id", aiConfigID, "files", len(files))

	result, err := h.service.Ingest(r.Context(), rag.IngestRequest{AIConfigID: aiConfigID, Files: files})
	if err != nil {
		writeDomainError(w, err, "ingest")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// List 分页列出分块行
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	aiConfigID := chi.URLParam(r, "id")
	cfg, err := h.store.GetAIConfig(r.Context(), aiConfigID)
	if err != nil {
		writeDomainError(w, err, "get ai config")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "ai config not found")
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	rows, err := h.store.ListChunks(r.Context(), aiConfigID, offset, limit)
	if err != nil {
		writeDomainError(w, err, "list knowledge")
		return
	}
	if rows == nil {
		rows = []*rag.KnowledgeChunk{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  rows,
		"offset": offset,
		"limit":  limit,
	})
}

// DeleteSource 按来源文件名删除
func (h *KnowledgeHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	aiConfigID := chi.URLParam(r, "id")
	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	n, err := h.service.DeleteSource(r.Context(), aiConfigID, source)
	if err != nil {
		writeDomainError(w, err, "delete source")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"source": source, "deleted": n})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
