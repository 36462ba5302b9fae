package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"aiassist/internal/platform/metrics"
	"aiassist/internal/provider"
)

// Config OpenAI 兼容 API 配置
type Config struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"` // 默认 https://api.openai.com/v1
	DefaultModel               string `json:"default_model"`
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
}

// Provider OpenAI 兼容的 LLM Provider（OpenAI, Azure, DeepSeek, Ollama 等）
type Provider struct {
	config Config
	client *goopenai.Client
}

// New 创建 OpenAI 兼容 Provider
func New(config Config) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.DefaultModel == "" {
		config.DefaultModel = goopenai.GPT4oMini
	}

	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 30 * time.Second
	}

	// 请求生命周期由 ctx 控制，这里只限制建连与握手
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout

	clientCfg := goopenai.DefaultConfig(config.APIKey)
	clientCfg.BaseURL = config.BaseURL
	clientCfg.HTTPClient = &http.Client{Transport: transport}

	return &Provider{
		config: config,
		client: goopenai.NewClientWithConfig(clientCfg),
	}
}

func (p *Provider) Name() string {
	return "openai"
}

// Complete 非流式补全
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("completion request has no messages")
	}

	start := time.Now()
	defer metrics.ObserveUpstream("llm", "chat_completion", start)

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	return &provider.CompletionResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: provider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) buildRequest(req *provider.CompletionRequest) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	model := req.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	out := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		// go-openai 对 0 做 omitempty，用最小非零值表示显式的 0
		t := float32(*req.Temperature)
		if t == 0 {
			t = math.SmallestNonzeroFloat32
		}
		out.Temperature = t
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}
