package rag

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Extractor 文本提取契约：按文件名扩展名选择解析器
type Extractor interface {
	Extract(reader io.Reader, filename string) (*ExtractResult, error)
}

// ParserRegistry 文档解析器注册表
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser // key = ".ext"
}

// NewParserRegistry 创建解析器注册表并注册内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{
		parsers: make(map[string]Parser),
	}
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})
	r.Register(&PlainTextParser{})
	return r
}

// Register 注册解析器
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedTypes() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// Get 根据文件名获取解析器
func (r *ParserRegistry) Get(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, fmt.Errorf("%w: no extension in %q", ErrUnsupportedFormat, filename)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedFormat, ext, r.supportedLocked())
	}
	return p, nil
}

// Extract 选择解析器并提取文本；结果为空返回 ErrEmptyDocument
func (r *ParserRegistry) Extract(reader io.Reader, filename string) (*ExtractResult, error) {
	p, err := r.Get(filename)
	if err != nil {
		return nil, err
	}
	res, err := p.Parse(reader, filename)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Content) == "" {
		return nil, ErrEmptyDocument
	}
	return res, nil
}

// SupportedTypes 返回所有支持的文件扩展名
func (r *ParserRegistry) SupportedTypes() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supportedLocked()
}

func (r *ParserRegistry) supportedLocked() string {
	types := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		types = append(types, ext)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}
