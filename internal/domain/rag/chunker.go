package rag

import (
	"fmt"
	"strings"
)

const (
	DefaultChunkSize    = 500 // 词
	DefaultChunkOverlap = 50  // 词
)

// Chunk 分块结果，Index 从 0 开始，PageNumber = Index + 1
type Chunk struct {
	Index      int
	PageNumber int
	Text       string
}

// Chunker 按词滑动窗口分块
type Chunker struct {
	chunkSize int
	overlap   int
}

// NewChunker 创建分块器。overlap >= chunkSize 时步长不为正，视为配置错误。
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk_size=%d overlap=%d", ErrInvalidChunkConfig, chunkSize, overlap)
	}
	return &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
	}, nil
}

// Split 将文本切分为有序分块；最后一个不足 chunkSize 的窗口同样保留
func (c *Chunker) Split(text string) []Chunk {
	windows := c.SplitText(text)
	chunks := make([]Chunk, len(windows))
	for i, w := range windows {
		chunks[i] = Chunk{Index: i, PageNumber: i + 1, Text: w}
	}
	return chunks
}

// SplitText 返回每个窗口拼接后的字符串
func (c *Chunker) SplitText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := c.chunkSize - c.overlap
	var out []string
	for start := 0; start < len(words); start += step {
		end := start + c.chunkSize
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
