package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	applog "aiassist/internal/platform/log"
	"aiassist/internal/provider"
)

// groundingPrompt 所有 AI 配置共享的基础指令，配置自身的 Rules 追加在其后
const groundingPrompt = `You are a company knowledge assistant.
The user message is a JSON object with the user's "question" and the "retrieved_chunks" found in the company knowledge base.
Answer only from the retrieved chunks. If they do not contain the answer, say that you could not find it in the knowledge base.
Cite the "source" of the chunks you used.`

// ProviderLLM 通过供应商注册表调用 LLM
type ProviderLLM struct {
	registry     *provider.Registry
	defaultModel string
}

// NewProviderLLM 创建 LLM 客户端；registry 为 nil 时使用全局注册表
func NewProviderLLM(registry *provider.Registry, defaultModel string) *ProviderLLM {
	if registry == nil {
		registry = provider.Default()
	}
	return &ProviderLLM{registry: registry, defaultModel: defaultModel}
}

// GenerateResponse contextText 作为 user 消息，规则作为 system 消息
func (l *ProviderLLM) GenerateResponse(ctx context.Context, contextText string, cfg *AIConfig, model *ModelConfig) (string, error) {
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: SystemPrompt(cfg)},
		{Role: provider.RoleUser, Content: contextText},
	}
	return l.complete(ctx, messages, model)
}

// GenerateContent 单轮：原样发送消息序列，使用默认供应商与模型
func (l *ProviderLLM) GenerateContent(ctx context.Context, history []provider.Message) (string, error) {
	if len(history) == 0 {
		return "", errors.New("empty history")
	}
	return l.complete(ctx, history, nil)
}

func (l *ProviderLLM) complete(ctx context.Context, messages []provider.Message, model *ModelConfig) (string, error) {
	req := &provider.CompletionRequest{
		Model:    l.defaultModel,
		Messages: messages,
	}
	providerName := ""
	if model != nil {
		providerName = model.Provider
		if model.Model != "" {
			req.Model = model.Model
		}
		temperature := model.Temperature
		req.Temperature = &temperature
		req.MaxTokens = model.MaxTokens
	}

	p, err := l.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", p.Name(), err)
	}
	applog.Debug("[Chat] LLM completed",
		"provider", p.Name(),
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return resp.Content, nil
}

// SystemPrompt 基础指令 + AI 配置规则
func SystemPrompt(cfg *AIConfig) string {
	if cfg == nil || strings.TrimSpace(cfg.Rules) == "" {
		return groundingPrompt
	}
	return groundingPrompt + "\n\n" + strings.TrimSpace(cfg.Rules)
}
