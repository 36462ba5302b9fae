package bootstrap

import (
	"aiassist/internal/adapter/provider/llm/openai"
	applog "aiassist/internal/platform/log"
	"aiassist/internal/provider"
)

// RegisterLLMProviders registers configured LLM providers.
func RegisterLLMProviders(registry *provider.Registry, cfg openai.Config) bool {
	if cfg.APIKey == "" {
		applog.Warn("⚠️  No OPENAI_API_KEY set, chat answers will fail until a provider is configured")
		return false
	}

	p := openai.New(cfg)
	registry.Register(p)
	applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), cfg.BaseURL)
	return true
}
