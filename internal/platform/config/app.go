package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"aiassist/internal/domain/rag"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel   string           `json:"log_level"`
	LogFormat  string           `json:"log_format"`
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Auth       AuthConfig       `json:"auth"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Qdrant     QdrantConfig     `json:"qdrant"`
	Transcript TranscriptConfig `json:"transcript"`
	RAG        rag.Config       `json:"rag"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig URL 为空时关闭会话记录与检索缓存
type RedisConfig struct {
	URL string `json:"url"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	DefaultModel string `json:"default_model"`
}

// QdrantConfig 向量库客户端的容错参数
type QdrantConfig struct {
	IndexPollAttempts     int `json:"index_poll_attempts"`
	IndexPollIntervalMs   int `json:"index_poll_interval_ms"`
	BreakerFailures       int `json:"breaker_failures"`
	BreakerTimeoutSeconds int `json:"breaker_timeout_seconds"`
}

type TranscriptConfig struct {
	TTLHours int   `json:"ttl_hours"`
	MaxLen   int64 `json:"max_len"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	ragCfg := rag.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  60,
			WriteTimeoutSeconds: 300,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenAI: OpenAIConfig{
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o-mini",
		},
		Qdrant: QdrantConfig{
			IndexPollAttempts:     10,
			IndexPollIntervalMs:   500,
			BreakerFailures:       5,
			BreakerTimeoutSeconds: 30,
		},
		Transcript: TranscriptConfig{
			TTLHours: 24 * 7,
			MaxLen:   1000,
		},
		RAG: *ragCfg,
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	// .env 非必需
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	applyString("OPENAI_DEFAULT_MODEL", &c.OpenAI.DefaultModel)

	applyInt("QDRANT_INDEX_POLL_ATTEMPTS", &c.Qdrant.IndexPollAttempts)
	applyInt("QDRANT_INDEX_POLL_INTERVAL_MS", &c.Qdrant.IndexPollIntervalMs)
	applyInt("QDRANT_BREAKER_FAILURES", &c.Qdrant.BreakerFailures)
	applyInt("QDRANT_BREAKER_TIMEOUT", &c.Qdrant.BreakerTimeoutSeconds)

	applyInt("TRANSCRIPT_TTL_HOURS", &c.Transcript.TTLHours)
	applyInt64("TRANSCRIPT_MAX_LEN", &c.Transcript.MaxLen)

	// RAG 环境变量
	applyInt("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	applyInt("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)
	applyString("RAG_EMBEDDING_PROVIDER", &c.RAG.EmbeddingProvider)
	applyString("EMBEDDING_SERVICE_URL", &c.RAG.EmbeddingURL)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_MAX_LENGTH", &c.RAG.EmbeddingMaxLength)
	applyFloat64("RAG_EMBEDDING_QPS", &c.RAG.EmbeddingQPS)
	applyString("QDRANT_URL", &c.RAG.QdrantURL)
	applyString("QDRANT_API_KEY", &c.RAG.QdrantAPIKey)
	applyString("QDRANT_COLLECTION_PREFIX", &c.RAG.CollectionPrefix)
	applyInt("QDRANT_UPSERT_SETTLE_MS", &c.RAG.UpsertSettleMs)
	applyInt("RAG_EMBED_TIMEOUT", &c.RAG.EmbedTimeoutSeconds)
	applyInt("RAG_VECTOR_TIMEOUT", &c.RAG.VectorTimeoutSeconds)
	applyInt("RAG_LLM_TIMEOUT", &c.RAG.LLMTimeoutSeconds)
	applyInt("RAG_CACHE_TTL", &c.RAG.CacheTTL)
	applyInt("RAG_MAX_FILE_SIZE", &c.RAG.MaxFileSize)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	c.RAG.EmbeddingProvider = strings.ToLower(strings.TrimSpace(c.RAG.EmbeddingProvider))
	if c.RAG.EmbeddingProvider == "" {
		c.RAG.EmbeddingProvider = "http"
	}
	if c.Qdrant.IndexPollAttempts <= 0 {
		c.Qdrant.IndexPollAttempts = 10
	}
	if c.Qdrant.IndexPollIntervalMs <= 0 {
		c.Qdrant.IndexPollIntervalMs = 500
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if strings.TrimSpace(c.RAG.QdrantURL) == "" {
		return fmt.Errorf("QDRANT_URL is required")
	}
	switch c.RAG.EmbeddingProvider {
	case "http":
		if strings.TrimSpace(c.RAG.EmbeddingURL) == "" {
			return fmt.Errorf("EMBEDDING_SERVICE_URL is required for http embedding provider")
		}
	case "openai":
		if strings.TrimSpace(c.OpenAI.APIKey) == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for openai embedding provider")
		}
	default:
		return fmt.Errorf("unsupported RAG_EMBEDDING_PROVIDER %q", c.RAG.EmbeddingProvider)
	}
	return c.RAG.Validate()
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
