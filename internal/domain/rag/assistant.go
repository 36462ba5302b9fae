package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	applog "aiassist/internal/platform/log"
	"aiassist/internal/provider"
)

// ChatRequest 单轮对话请求
type ChatRequest struct {
	AIConfigID string `json:"ai_config_id"`
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
	TopK       int    `json:"top_k,omitempty"` // 0 = 使用配置值
}

// ChatResult 单轮对话结果
type ChatResult struct {
	Success         bool             `json:"success"`
	Message         string           `json:"message,omitempty"`
	Answer          string           `json:"answer"`
	RetrievedChunks []RetrievedChunk `json:"retrieved_chunks"`
	Strategy        string           `json:"strategy"`
	FallbackReason  string           `json:"fallback_reason,omitempty"`
}

// Assistant 检索 + 生成编排
type Assistant struct {
	configs     AIConfigRepository
	retriever   *Retriever
	llm         LLM
	transcripts TranscriptStore // 可选
	config      *Config
}

// NewAssistant 创建对话编排器
func NewAssistant(configs AIConfigRepository, retriever *Retriever, llm LLM, config *Config) *Assistant {
	if config == nil {
		config = DefaultConfig()
	}
	return &Assistant{
		configs:   configs,
		retriever: retriever,
		llm:       llm,
		config:    config,
	}
}

// SetTranscripts 设置会话记录存储
func (a *Assistant) SetTranscripts(t TranscriptStore) {
	a.transcripts = t
}

func (a *Assistant) loadAIConfig(ctx context.Context, id string) (*AIConfig, error) {
	cfg, err := a.configs.GetAIConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load ai config: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrAIConfigNotFound, id)
	}
	return cfg, nil
}

// loadModelConfig 优先使用配置引用的模型，否则取全局激活模型；失败视为无模型配置
func (a *Assistant) loadModelConfig(ctx context.Context, cfg *AIConfig) *ModelConfig {
	if cfg.ModelConfigID != "" {
		m, err := a.configs.GetModelConfig(ctx, cfg.ModelConfigID)
		if err != nil {
			applog.Warn("[Chat] Load model config failed", "model_config_id", cfg.ModelConfigID, "error", err)
		} else if m != nil {
			return m
		}
	}
	m, err := a.configs.GetActiveModelConfig(ctx)
	if err != nil {
		applog.Warn("[Chat] Load active model config failed", "error", err)
		return nil
	}
	return m
}

// Search 只检索不生成
func (a *Assistant) Search(ctx context.Context, aiConfigID, query string, topKOverride int, source string) (*RetrievalResult, error) {
	cfg, err := a.loadAIConfig(ctx, aiConfigID)
	if err != nil {
		return nil, err
	}
	topK := ResolveQueryTopK(cfg.RagTopK, topKOverride)
	return a.retriever.Retrieve(ctx, cfg.ID, query, topK, source)
}

// BuildRagContext 组装发给 LLM 的结构化上下文；向量后端不可用不会导致失败
func (a *Assistant) BuildRagContext(ctx context.Context, aiConfigID, query string, topKOverride int) (*RagContext, error) {
	cfg, err := a.loadAIConfig(ctx, aiConfigID)
	if err != nil {
		return nil, err
	}
	rc, _, err := a.buildContext(ctx, cfg, query, topKOverride)
	return rc, err
}

func (a *Assistant) buildContext(ctx context.Context, cfg *AIConfig, query string, topKOverride int) (*RagContext, *RetrievalResult, error) {
	topK := ResolveQueryTopK(cfg.RagTopK, topKOverride)
	result, err := a.retriever.Retrieve(ctx, cfg.ID, query, topK, "")
	if err != nil {
		return nil, nil, err
	}

	rc := &RagContext{
		Question: query,
		Chunks:   make([]ContextChunk, 0, len(result.Chunks)),
	}
	for _, c := range result.Chunks {
		rc.Chunks = append(rc.Chunks, ContextChunk{ID: c.ChunkID, Source: c.Source, Content: c.Content})
	}
	return rc, result, nil
}

// Ask 执行一轮对话：检索 → 生成 → 记录会话（尽力而为）
func (a *Assistant) Ask(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := time.Now()

	cfg, err := a.loadAIConfig(ctx, req.AIConfigID)
	if err != nil {
		return nil, err
	}
	model := a.loadModelConfig(ctx, cfg)

	rc, retrieval, err := a.buildContext(ctx, cfg, req.Message, req.TopK)
	if err != nil {
		return nil, err
	}
	contextJSON, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("marshal rag context: %w", err)
	}

	result := &ChatResult{
		RetrievedChunks: retrieval.Chunks,
		Strategy:        retrieval.Strategy,
		FallbackReason:  retrieval.Fallback,
	}

	lctx, cancel := context.WithTimeout(ctx, a.config.LLMTimeout())
	answer, err := a.llm.GenerateResponse(lctx, string(contextJSON), cfg, model)
	cancel()
	if err != nil {
		applog.Error("[Chat] LLM generation failed", "ai_config_id", cfg.ID, "error", err)
		result.Success = false
		result.Message = "failed to generate answer"
		return result, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	result.Success = true
	result.Answer = answer

	if req.SessionID != "" && a.transcripts != nil {
		now := time.Now().UTC()
		applog.BestEffort("transcript.append", func() error {
			return a.transcripts.Append(ctx, req.SessionID,
				TranscriptMessage{Role: provider.RoleUser, Content: req.Message, AIConfigID: cfg.ID, CreatedAt: now},
				TranscriptMessage{Role: provider.RoleAssistant, Content: answer, AIConfigID: cfg.ID, CreatedAt: now},
			)
		}, "session_id", req.SessionID)
	}

	applog.Info("[Chat] Turn completed",
		"ai_config_id", cfg.ID,
		"strategy", result.Strategy,
		"fallback", result.FallbackReason,
		"chunks", len(result.RetrievedChunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
