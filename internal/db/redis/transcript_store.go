package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	domainrag "aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
)

// TranscriptStore Redis List 实现的会话记录，只追加不回读进上下文
type TranscriptStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// TranscriptStoreConfig 会话记录配置
type TranscriptStoreConfig struct {
	Client    *redis.Client
	KeyPrefix string        // 默认 "chat:transcript:"
	TTL       time.Duration // 默认 7 天
	MaxLen    int64         // 每个会话保留的最大条数，0 表示不限制
}

var _ domainrag.TranscriptStore = (*TranscriptStore)(nil)

// NewTranscriptStore 创建会话记录存储
func NewTranscriptStore(cfg TranscriptStoreConfig) *TranscriptStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chat:transcript:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	return &TranscriptStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		maxLen:    cfg.MaxLen,
	}
}

// key 带公司作用域时按公司隔离会话
func (s *TranscriptStore) key(ctx context.Context, sessionID string) string {
	if companyID, ok := domainrag.CompanyScopeFrom(ctx); ok {
		return s.keyPrefix + companyID + ":" + sessionID
	}
	return s.keyPrefix + sessionID
}

// Append 批量追加消息；缺失的 ID 和时间在此补齐
func (s *TranscriptStore) Append(ctx context.Context, sessionID string, msgs ...domainrag.TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	values, err := encodeMessages(msgs, time.Now())
	if err != nil {
		return err
	}

	key := s.key(ctx, sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, key, -s.maxLen, -1)
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		applog.Error("[Transcript/Redis] Pipeline exec failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("append transcript: %w", err)
	}

	applog.Debug("[Transcript/Redis] Appended", "session_id", sessionID, "count", len(msgs))
	return nil
}

// Load 读取最近 limit 条消息，limit<=0 读取全部
func (s *TranscriptStore) Load(ctx context.Context, sessionID string, limit int) ([]domainrag.TranscriptMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, s.key(ctx, sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return decodeMessages(raw), nil
}

func encodeMessages(msgs []domainrag.TranscriptMessage, now time.Time) ([]interface{}, error) {
	values := make([]interface{}, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode transcript message: %w", err)
		}
		values = append(values, string(data))
	}
	return values, nil
}

func decodeMessages(raw []string) []domainrag.TranscriptMessage {
	out := make([]domainrag.TranscriptMessage, 0, len(raw))
	for _, item := range raw {
		var m domainrag.TranscriptMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			applog.Warn("[Transcript/Redis] Skipping corrupt entry", "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}
