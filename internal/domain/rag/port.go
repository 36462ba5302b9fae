package rag

import (
	"context"
	"time"

	"aiassist/internal/provider"
)

// VectorStore 向量库客户端契约（每个 AI 配置一个集合）
type VectorStore interface {
	GetCollection(ctx context.Context, name string) (*CollectionInfo, error)
	EnsureCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, name string, point VectorPoint) error
	Search(ctx context.Context, name string, q SearchQuery) ([]ScoredPoint, error)
	Count(ctx context.Context, name string) (uint64, error)
	DeleteCollection(ctx context.Context, name string) error
	DeletePoints(ctx context.Context, name string, ids []uint64) error
}

// KnowledgeRepository 知识分块行的持久化
type KnowledgeRepository interface {
	// NextChunkID 预分配分块 ID，同时作为向量点 ID
	NextChunkID(ctx context.Context) (int64, error)
	CreateChunk(ctx context.Context, chunk *KnowledgeChunk) error
	// GetChunks 批量按 ID 查询，不存在的 ID 不出现在结果中
	GetChunks(ctx context.Context, ids []int64) (map[int64]*KnowledgeChunk, error)
	// ListChunks 按 (chunk_index, id) 升序
	ListChunks(ctx context.Context, aiConfigID string, offset, limit int) ([]*KnowledgeChunk, error)
	// ListChunksBySource 同 ListChunks 的顺序，仅限一个来源文件
	ListChunksBySource(ctx context.Context, aiConfigID, sourceLabel string, limit int) ([]*KnowledgeChunk, error)
	ListChunkIDsBySource(ctx context.Context, aiConfigID, sourceLabel string) ([]int64, error)
	DeleteChunksBySource(ctx context.Context, aiConfigID, sourceLabel string) (int64, error)
	CountDistinctSources(ctx context.Context, aiConfigID string) (int, error)
}

// AIConfigRepository AI 配置与模型配置
type AIConfigRepository interface {
	// GetAIConfig 不存在时返回 nil, nil
	GetAIConfig(ctx context.Context, id string) (*AIConfig, error)
	UpdateRagTopK(ctx context.Context, id string, topK int) error
	// DeleteAIConfig 级联删除其全部知识分块
	DeleteAIConfig(ctx context.Context, id string) error
	GetModelConfig(ctx context.Context, id string) (*ModelConfig, error)
	GetActiveModelConfig(ctx context.Context) (*ModelConfig, error)
}

// ModelConfigActivator 切换全局激活模型
type ModelConfigActivator interface {
	ActivateModelConfig(ctx context.Context, id string) error
}

// TranscriptMessage 会话记录
type TranscriptMessage struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	AIConfigID string    `json:"ai_config_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TranscriptStore 按外部 session id 追加写入的消息日志
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, msgs ...TranscriptMessage) error
}

// LLM 回答生成
type LLM interface {
	// GenerateResponse contextText 为结构化检索上下文；规则作为 system 指令单独传递
	GenerateResponse(ctx context.Context, contextText string, cfg *AIConfig, model *ModelConfig) (string, error)
	// GenerateContent 单轮：直接发送消息序列
	GenerateContent(ctx context.Context, history []provider.Message) (string, error)
}

// RetrievalCache 检索结果缓存（可选）
type RetrievalCache interface {
	Get(ctx context.Context, aiConfigID, query string, topK int) (*RetrievalResult, bool)
	Set(ctx context.Context, aiConfigID, query string, topK int, result *RetrievalResult)
	InvalidateConfig(ctx context.Context, aiConfigID string)
}
