package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	applog "aiassist/internal/platform/log"
	"aiassist/internal/platform/metrics"
)

// ── Embedder 接口 ──────────────────────────────────────────────

// Embedder 文本向量化接口。失败即返回错误，不做重试。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ValidateVector 校验向量非空且不含 NaN/Inf
func ValidateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
	}
	return nil
}

// ── HTTP Embedding 服务 ───────────────────────────────────────

// HTTPEmbedderConfig 配置
type HTTPEmbedderConfig struct {
	BaseURL   string
	MaxLength int
	Timeout   time.Duration
	QPS       float64 // 0 = 不限速
}

// HTTPEmbedder 调用 POST {base}/embed
type HTTPEmbedder struct {
	baseURL   string
	maxLength int
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTTPEmbedder 创建 HTTP Embedder
func NewHTTPEmbedder(cfg HTTPEmbedderConfig) *HTTPEmbedder {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	e := &HTTPEmbedder{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxLength: cfg.MaxLength,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.QPS > 0 {
		burst := int(math.Ceil(cfg.QPS))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return e
}

type embedRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Text      string    `json:"text"`
}

// Embed 生成单条文本向量
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: text is empty")
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed rate limit: %w", err)
		}
	}

	start := time.Now()
	defer metrics.ObserveUpstream("embedding", "embed", start)

	body, err := json.Marshal(embedRequest{Text: text, MaxLength: e.maxLength})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var embResp embedResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if err := ValidateVector(embResp.Embedding); err != nil {
		return nil, err
	}
	if embResp.Dimension > 0 && embResp.Dimension != len(embResp.Embedding) {
		return nil, fmt.Errorf("%w: service reported dimension %d but returned %d values",
			ErrInvalidVector, embResp.Dimension, len(embResp.Embedding))
	}

	applog.Debug("[RAG/Embedder] Embedded",
		"dims", len(embResp.Embedding),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return embResp.Embedding, nil
}

// ── OpenAI Embedding ─────────────────────────────────────────

// OpenAIEmbedder 使用 OpenAI 兼容 /embeddings 接口
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder 创建 OpenAI Embedder
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Embed 生成单条文本向量
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: text is empty")
	}

	start := time.Now()
	defer metrics.ObserveUpstream("embedding", "openai_embed", start)

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrInvalidVector)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	copy(vec, resp.Data[0].Embedding)
	if err := ValidateVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}
