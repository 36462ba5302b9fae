package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry LLM 供应商注册表，按 model_configs.provider 取用
type Registry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
	fallback  string
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]LLMProvider)}
}

// Register 注册供应商；第一个注册的作为默认
func (r *Registry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// Get 按名称获取；name 为空时返回默认供应商
func (r *Registry) Get(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("LLM provider not found: %q", name)
	}
	return p, nil
}

// Names 已注册供应商（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Default 全局注册表
func Default() *Registry {
	return defaultRegistry
}
