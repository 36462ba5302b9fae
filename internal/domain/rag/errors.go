package rag

import "errors"

var (
	// ErrUnsupportedFormat 文件扩展名没有对应的解析器
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyDocument 文件中未提取到任何文本
	ErrEmptyDocument = errors.New("no text content extracted from file")

	// ErrInvalidChunkConfig 分块参数非法（overlap >= chunkSize 会导致步长 <= 0）
	ErrInvalidChunkConfig = errors.New("invalid chunk config")

	// ErrInvalidVector 向量为空或包含 NaN/Inf
	ErrInvalidVector = errors.New("invalid vector")

	// ErrDimensionMismatch 查询向量维度与集合维度不一致
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyCollection 集合中没有任何点
	ErrEmptyCollection = errors.New("collection is empty")

	// ErrCollectionNotFound 集合不存在
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrEmptyQuery 清洗后的用户问题为空
	ErrEmptyQuery = errors.New("query is empty")

	// ErrAIConfigNotFound AI 配置不存在
	ErrAIConfigNotFound = errors.New("ai config not found")

	// ErrModelConfigNotFound 模型配置不存在
	ErrModelConfigNotFound = errors.New("model config not found")

	// ErrLLMUnavailable LLM 调用失败
	ErrLLMUnavailable = errors.New("llm unavailable")

	// ErrNoFiles 上传请求中没有文件
	ErrNoFiles = errors.New("no files uploaded")
)

// IsInputError 是否为调用方输入错误（直接返回，不重试）
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrEmptyDocument) ||
		errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, ErrNoFiles)
}
