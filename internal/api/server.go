package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
	"aiassist/internal/platform/metrics"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFileMB    int    // 单文件上限
	JWTSecret    string // JWT 签名密钥（必填）
	JWTIssuer    string // JWT 签发者（可选）
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // 大文件入库需要较长写超时
		MaxFileMB:    100,
	}
}

// KnowledgeService 知识库入库与删除
type KnowledgeService interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (*rag.IngestResult, error)
	DeleteSource(ctx context.Context, aiConfigID, sourceLabel string) (int64, error)
	DeleteConfig(ctx context.Context, aiConfigID string) error
}

// ChatService 检索与问答
type ChatService interface {
	Search(ctx context.Context, aiConfigID, query string, topKOverride int, source string) (*rag.RetrievalResult, error)
	Ask(ctx context.Context, req rag.ChatRequest) (*rag.ChatResult, error)
}

// ConfigStore AI 配置、模型配置与分块行的读写
type ConfigStore interface {
	CreateAIConfig(ctx context.Context, c *rag.AIConfig) error
	GetAIConfig(ctx context.Context, id string) (*rag.AIConfig, error)
	ListChunks(ctx context.Context, aiConfigID string, offset, limit int) ([]*rag.KnowledgeChunk, error)
	CreateModelConfig(ctx context.Context, m *rag.ModelConfig) error
	ListModelConfigs(ctx context.Context) ([]*rag.ModelConfig, error)
	ActivateModelConfig(ctx context.Context, id string) error
}

// TranscriptReader 会话记录回读（可选）
type TranscriptReader interface {
	Load(ctx context.Context, sessionID string, limit int) ([]rag.TranscriptMessage, error)
}

// Services 路由依赖
type Services struct {
	Knowledge   KnowledgeService
	Chat        ChatService
	Store       ConfigStore
	Transcripts TranscriptReader
}

// Server HTTP 服务器
type Server struct {
	config   *ServerConfig
	services Services
	httpSrv  *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, services Services) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.MaxFileMB <= 0 {
		config.MaxFileMB = 100
	}
	return &Server{
		config:   config,
		services: services,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	r, err := s.buildRouter()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 AI assistant API server starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	r, err := s.buildRouter()
	if err != nil {
		panic(err)
	}
	return r
}

func (s *Server) buildRouter() (http.Handler, error) {
	if strings.TrimSpace(s.config.JWTSecret) == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	authMW := authMiddleware(&JWTConfig{
		Secret: s.config.JWTSecret,
		Issuer: s.config.JWTIssuer,
	})

	knowledge := NewKnowledgeHandler(s.services.Knowledge, s.services.Store, s.config.MaxFileMB)
	chat := NewChatHandler(s.services.Chat, s.services.Transcripts)
	admin := NewAdminHandler(s.services.Knowledge, s.services.Store)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW)
		r.Route("/ai-configs", func(r chi.Router) {
			r.Post("/", admin.CreateAIConfig)
			r.Route("/{id}", func(r chi.Router) {
				admin.RegisterConfigRoutes(r)
				knowledge.RegisterRoutes(r)
				chat.RegisterRoutes(r)
			})
		})
		r.Route("/model-configs", admin.RegisterModelRoutes)
		r.Get("/sessions/{sessionID}/messages", chat.ListMessages)
	})
	return r, nil
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
