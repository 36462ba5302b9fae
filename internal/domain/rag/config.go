package rag

import (
	"fmt"
	"time"
)

const (
	// MaxQueryTopK 单次查询最多返回的片段数
	MaxQueryTopK = 10
	// MinAutoTopK / MaxAutoTopK 入库后自动计算 topK 的范围
	MinAutoTopK = 1
	MaxAutoTopK = 5
)

// Config RAG 模块配置
type Config struct {
	// 分块（按词）
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// Embedding
	EmbeddingProvider  string  `json:"embedding_provider"` // http | openai
	EmbeddingURL       string  `json:"embedding_url"`
	EmbeddingModel     string  `json:"embedding_model,omitempty"`
	EmbeddingMaxLength int     `json:"embedding_max_length"`
	EmbeddingQPS       float64 `json:"embedding_qps"` // 0 = 不限速

	// Qdrant
	QdrantURL        string `json:"qdrant_url"`
	QdrantAPIKey     string `json:"qdrant_api_key,omitempty"`
	CollectionPrefix string `json:"collection_prefix"`
	UpsertSettleMs   int    `json:"upsert_settle_ms"`

	// 外部调用超时（秒）
	EmbedTimeoutSeconds  int `json:"embed_timeout_seconds"`
	VectorTimeoutSeconds int `json:"vector_timeout_seconds"`
	LLMTimeoutSeconds    int `json:"llm_timeout_seconds"`

	// 检索缓存 TTL（秒），0=禁用
	CacheTTL int `json:"cache_ttl"`

	// 单文件上限（MB）
	MaxFileSize int `json:"max_file_size"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:            500,
		ChunkOverlap:         50,
		EmbeddingProvider:    "http",
		EmbeddingURL:         "http://localhost:8001",
		EmbeddingMaxLength:   512,
		QdrantURL:            "http://localhost:6333",
		UpsertSettleMs:       200,
		EmbedTimeoutSeconds:  30,
		VectorTimeoutSeconds: 15,
		LLMTimeoutSeconds:    120,
		CacheTTL:             0,
		MaxFileSize:          100,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", ErrInvalidChunkConfig, c.ChunkSize, c.ChunkOverlap)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive")
	}
	return nil
}

// CollectionName AI 配置对应的集合名
func (c *Config) CollectionName(aiConfigID string) string {
	return c.CollectionPrefix + aiConfigID
}

// HasCache 是否启用检索缓存
func (c *Config) HasCache() bool {
	return c.CacheTTL > 0
}

func (c *Config) EmbedTimeout() time.Duration  { return seconds(c.EmbedTimeoutSeconds, 30) }
func (c *Config) VectorTimeout() time.Duration { return seconds(c.VectorTimeoutSeconds, 15) }
func (c *Config) LLMTimeout() time.Duration    { return seconds(c.LLMTimeoutSeconds, 120) }

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
