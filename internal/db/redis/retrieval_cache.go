package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	domainrag "aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
)

// RetrievalCache 检索结果 Redis 缓存，key 按 AI 配置分区便于整体失效
type RetrievalCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

var _ domainrag.RetrievalCache = (*RetrievalCache)(nil)

// NewRetrievalCache 创建检索缓存
func NewRetrievalCache(rdb *redis.Client, ttl time.Duration) *RetrievalCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RetrievalCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:cache:",
	}
}

// Get 从缓存获取检索结果；Redis 异常视为未命中
func (c *RetrievalCache) Get(ctx context.Context, aiConfigID, query string, topK int) (*domainrag.RetrievalResult, bool) {
	key := c.cacheKey(aiConfigID, query, topK)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			applog.Debug("[RAG/Cache] Get failed", "key", key, "error", err)
		}
		return nil, false
	}

	var result domainrag.RetrievalResult
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[RAG/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}
	if result.Chunks == nil {
		result.Chunks = []domainrag.RetrievedChunk{}
	}

	applog.Debug("[RAG/Cache] Hit", "key", key)
	return &result, true
}

// Set 写入检索结果到缓存
func (c *RetrievalCache) Set(ctx context.Context, aiConfigID, query string, topK int, result *domainrag.RetrievalResult) {
	if result == nil {
		return
	}
	key := c.cacheKey(aiConfigID, query, topK)
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateConfig 清除某个 AI 配置的全部缓存（SCAN + DEL）
func (c *RetrievalCache) InvalidateConfig(ctx context.Context, aiConfigID string) {
	iter := c.redis.Scan(ctx, 0, c.configPattern(aiConfigID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/Cache] Scan failed", "ai_config_id", aiConfigID, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		applog.Warn("[RAG/Cache] Invalidate failed", "ai_config_id", aiConfigID, "error", err)
		return
	}
	applog.Info("[RAG/Cache] Invalidated", "ai_config_id", aiConfigID, "keys_deleted", len(keys))
}

func (c *RetrievalCache) configPattern(aiConfigID string) string {
	return c.prefix + escapeGlob(aiConfigID) + ":*"
}

// cacheKey = prefix + aiConfigID + ":" + hash(query + topk)
func (c *RetrievalCache) cacheKey(aiConfigID, query string, topK int) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", query, topK)))
	return fmt.Sprintf("%s%s:%x", c.prefix, aiConfigID, hash[:12])
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
