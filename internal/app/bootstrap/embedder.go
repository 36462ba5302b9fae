package bootstrap

import (
	"fmt"

	"aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
)

// EmbedderOptions 选择 embedding 后端所需的参数
type EmbedderOptions struct {
	RAG        *rag.Config
	OpenAIKey  string
	OpenAIBase string
}

// NewEmbedder 按 embedding_provider 构造 Embedder（http | openai）
func NewEmbedder(opts EmbedderOptions) (rag.Embedder, error) {
	cfg := opts.RAG
	switch cfg.EmbeddingProvider {
	case "", "http":
		applog.Infof("Embedding service: %s (max_length=%d, qps=%.2f)", cfg.EmbeddingURL, cfg.EmbeddingMaxLength, cfg.EmbeddingQPS)
		return rag.NewHTTPEmbedder(rag.HTTPEmbedderConfig{
			BaseURL:   cfg.EmbeddingURL,
			MaxLength: cfg.EmbeddingMaxLength,
			Timeout:   cfg.EmbedTimeout(),
			QPS:       cfg.EmbeddingQPS,
		}), nil
	case "openai":
		if opts.OpenAIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an API key")
		}
		applog.Infof("Embedding via OpenAI (model=%s)", cfg.EmbeddingModel)
		return rag.NewOpenAIEmbedder(opts.OpenAIKey, opts.OpenAIBase, cfg.EmbeddingModel), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.EmbeddingProvider)
	}
}
