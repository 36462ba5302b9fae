package rag

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// UnknownSourceLabel 无法解析来源时使用的占位标签
const UnknownSourceLabel = "Unknown"

// KnowledgeChunk 知识分块行（knowledge_sources 表），入库后不可修改，只能删除
type KnowledgeChunk struct {
	ID          int64     `json:"id"`
	AIConfigID  string    `json:"ai_config_id"`
	Type        string    `json:"type"` // pdf | docx | txt | md
	SourceLabel string    `json:"source_label"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	PageNumber  int       `json:"page_number"`
	MetaJSON    string    `json:"meta_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AIConfig 租户级 AI 配置（规则 + 模型参数 + 检索参数）
type AIConfig struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	Name          string    `json:"name"`
	Rules         string    `json:"rules"`
	RagTopK       int       `json:"rag_top_k"`
	ModelConfigID string    `json:"model_config_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ModelConfig LLM 模型参数，全局仅一行 IsActive=true
type ModelConfig struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	IsActive    bool    `json:"is_active"`
}

// ── 向量库数据结构 ────────────────────────────────────────────

// PointPayload 向量点 payload 的强类型视图
type PointPayload struct {
	Text              string `json:"text"`
	Source            string `json:"source"`
	KnowledgeSourceID FlexID `json:"knowledgeSourceId"`
	AIConfigID        string `json:"aiConfigId"`
}

// FlexID 兼容数字与字符串两种编码的 ID；缺失或类型错误时 Valid=false
type FlexID struct {
	Value int64
	Valid bool
}

// NewFlexID 构造有效 ID
func NewFlexID(v int64) FlexID {
	return FlexID{Value: v, Valid: true}
}

func (f FlexID) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// UnmarshalJSON 不返回错误：无法解析的值视为缺失
func (f *FlexID) UnmarshalJSON(data []byte) error {
	*f = FlexID{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var n json.Number
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		n = json.Number(s)
	} else {
		n = json.Number(data)
	}

	v, err := n.Int64()
	if err != nil {
		fv, ferr := n.Float64()
		if ferr != nil || fv != float64(int64(fv)) {
			return nil
		}
		v = int64(fv)
	}
	if v <= 0 {
		return nil
	}
	*f = FlexID{Value: v, Valid: true}
	return nil
}

// VectorPoint 向量点
type VectorPoint struct {
	ID      uint64       `json:"id"`
	Vector  []float32    `json:"vector"`
	Payload PointPayload `json:"payload"`
}

// CollectionInfo 集合元数据
type CollectionInfo struct {
	Name                string
	Dim                 int
	Distance            string
	PointsCount         uint64
	IndexedVectorsCount uint64
}

// Filter 向量检索过滤条件（Qdrant filter 子集）
type Filter struct {
	Must []FieldMatch `json:"must,omitempty"`
}

// FieldMatch payload 字段精确匹配
type FieldMatch struct {
	Key   string     `json:"key"`
	Match MatchValue `json:"match"`
}

// MatchValue 匹配值
type MatchValue struct {
	Value any `json:"value"`
}

// SearchQuery 向量检索请求
type SearchQuery struct {
	Vector      []float32
	Filter      *Filter
	Limit       int
	WithPayload bool
}

// ScoredPoint 检索命中
type ScoredPoint struct {
	ID      uint64
	Score   float64
	Payload json.RawMessage
}

// ── 检索结果 ──────────────────────────────────────────────────

// RetrievedChunk 单条检索结果
type RetrievedChunk struct {
	ChunkID int64   `json:"id"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// RetrievalResult 一次检索的结果
type RetrievalResult struct {
	Chunks   []RetrievedChunk `json:"chunks"`
	Strategy string           `json:"strategy"`
	Fallback string           `json:"fallback_reason,omitempty"`
	TopK     int              `json:"top_k"`
}

// ContextChunk 发给 LLM 的检索片段
type ContextChunk struct {
	ID      int64  `json:"id"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// RagContext 单轮上下文：用户问题 + 检索片段，不含历史对话
type RagContext struct {
	Question string         `json:"question"`
	Chunks   []ContextChunk `json:"retrieved_chunks"`
}

// ── 入库结果 ──────────────────────────────────────────────────

// UploadFile 待入库文件。Open 非 nil 时处理到该文件才读取，Data 被忽略
type UploadFile struct {
	Filename string
	Data     []byte
	Open     func() (io.ReadCloser, error)
}

// IngestRequest 批量入库请求
type IngestRequest struct {
	AIConfigID string
	Files      []UploadFile
}

// IngestItem 成功写入的分块
type IngestItem struct {
	Filename          string `json:"filename"`
	PointID           uint64 `json:"pointId"`
	KnowledgeSourceID int64  `json:"knowledgeSourceId"`
	PageNumber        int    `json:"pageNumber"`
}

// IngestFailure 失败记录
type IngestFailure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// IngestResult 批量入库汇总
type IngestResult struct {
	Success  int             `json:"success"`
	Failed   int             `json:"failed"`
	Failures []IngestFailure `json:"failures"`
	Items    []IngestItem    `json:"items"`
	RagTopK  int             `json:"ragTopK"`
}
