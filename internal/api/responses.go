package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeResponse(w, status, "ok", data)
}

func writeResponse(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, message, nil)
}

// writeErrorCode 带错误码的统一错误响应
func writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Error:   code,
		Message: message,
	})
}

// statusFor 领域错误 -> HTTP 状态码
func statusFor(err error) int {
	switch {
	case rag.IsInputError(err), errors.Is(err, rag.ErrInvalidChunkConfig):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrAIConfigNotFound), errors.Is(err, rag.ErrModelConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrLLMUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError 4xx 返回错误本身，5xx 只返回概括信息
func writeDomainError(w http.ResponseWriter, err error, op string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		applog.Error("[API] "+op+" failed", "status", status, "error", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
