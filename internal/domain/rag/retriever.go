package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	applog "aiassist/internal/platform/log"
	"aiassist/internal/platform/metrics"
)

const (
	StrategyVector     = "vector"
	StrategyRelational = "relational"
)

// 降级原因
const (
	ReasonEmbedFailed       = "embed_failed"
	ReasonCollectionMissing = "collection_missing"
	ReasonDimensionMismatch = "dimension_mismatch"
	ReasonEmptyCollection   = "empty_collection"
	ReasonSearchFailed      = "search_failed"
	ReasonNoHits            = "no_hits"
)

// RetrievalQuery 检索参数（已清洗、已向量化）
type RetrievalQuery struct {
	AIConfigID string
	Collection string
	Query      string
	Vector     []float32
	Source     string // 可选：只检索该来源
	TopK       int
}

// RetrievalStrategy 检索策略
type RetrievalStrategy interface {
	Name() string
	Retrieve(ctx context.Context, q RetrievalQuery) ([]RetrievedChunk, error)
}

// FallbackError 向量检索不可用，携带降级原因
type FallbackError struct {
	Reason string
	Err    error
}

func (e *FallbackError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FallbackError) Unwrap() error { return e.Err }

// ── 关系库扫描策略 ────────────────────────────────────────────

// RelationalStrategy 按 chunk_index 顺序取前 topK 个分块，分数固定 1.0
type RelationalStrategy struct {
	repo KnowledgeRepository
}

// NewRelationalStrategy 创建关系库策略
func NewRelationalStrategy(repo KnowledgeRepository) *RelationalStrategy {
	return &RelationalStrategy{repo: repo}
}

func (s *RelationalStrategy) Name() string { return StrategyRelational }

func (s *RelationalStrategy) Retrieve(ctx context.Context, q RetrievalQuery) ([]RetrievedChunk, error) {
	var (
		rows []*KnowledgeChunk
		err  error
	)
	if q.Source != "" {
		rows, err = s.repo.ListChunksBySource(ctx, q.AIConfigID, q.Source, q.TopK)
	} else {
		rows, err = s.repo.ListChunks(ctx, q.AIConfigID, 0, q.TopK)
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	out := make([]RetrievedChunk, 0, len(rows))
	for _, row := range rows {
		label := row.SourceLabel
		if label == "" {
			label = UnknownSourceLabel
		}
		out = append(out, RetrievedChunk{
			ChunkID: row.ID,
			Source:  label,
			Content: row.Content,
			Score:   1.0,
		})
	}
	return out, nil
}

// ── 向量检索策略 ──────────────────────────────────────────────

// VectorStrategy 向量相似度检索；任何不可用情况都以 *FallbackError 返回
type VectorStrategy struct {
	store VectorStore
	repo  KnowledgeRepository
}

// NewVectorStrategy 创建向量策略
func NewVectorStrategy(store VectorStore, repo KnowledgeRepository) *VectorStrategy {
	return &VectorStrategy{store: store, repo: repo}
}

func (s *VectorStrategy) Name() string { return StrategyVector }

func (s *VectorStrategy) Retrieve(ctx context.Context, q RetrievalQuery) ([]RetrievedChunk, error) {
	info, err := s.store.GetCollection(ctx, q.Collection)
	if err != nil {
		return nil, classifyVectorError(err)
	}
	if info.Dim != len(q.Vector) {
		return nil, &FallbackError{
			Reason: ReasonDimensionMismatch,
			Err:    fmt.Errorf("%w: collection=%d query=%d", ErrDimensionMismatch, info.Dim, len(q.Vector)),
		}
	}

	search := SearchQuery{
		Vector:      q.Vector,
		Limit:       q.TopK,
		WithPayload: true,
	}
	if q.Source != "" {
		search.Filter = &Filter{Must: []FieldMatch{{Key: "source", Match: MatchValue{Value: q.Source}}}}
	}

	hits, err := s.store.Search(ctx, q.Collection, search)
	if err != nil {
		return nil, classifyVectorError(err)
	}
	if len(hits) == 0 {
		return nil, &FallbackError{Reason: ReasonNoHits}
	}
	if len(hits) > MaxQueryTopK {
		hits = hits[:MaxQueryTopK]
	}

	return s.enrich(ctx, hits), nil
}

// enrich 解析 payload 并通过 knowledgeSourceId 批量反查来源标签；查不到用占位标签
func (s *VectorStrategy) enrich(ctx context.Context, hits []ScoredPoint) []RetrievedChunk {
	payloads := make([]PointPayload, len(hits))
	ids := make([]int64, 0, len(hits))
	for i, hit := range hits {
		if len(hit.Payload) == 0 {
			continue
		}
		if err := json.Unmarshal(hit.Payload, &payloads[i]); err != nil {
			applog.Debug("[RAG] Unparsable point payload", "point_id", hit.ID, "error", err)
			payloads[i] = PointPayload{}
			continue
		}
		if payloads[i].KnowledgeSourceID.Valid {
			ids = append(ids, payloads[i].KnowledgeSourceID.Value)
		}
	}

	rows := map[int64]*KnowledgeChunk{}
	if len(ids) > 0 {
		found, err := s.repo.GetChunks(ctx, ids)
		if err != nil {
			applog.Warn("[RAG] Source label lookup failed", "ids", len(ids), "error", err)
		} else {
			rows = found
		}
	}

	out := make([]RetrievedChunk, 0, len(hits))
	for i, hit := range hits {
		p := payloads[i]
		rc := RetrievedChunk{
			ChunkID: int64(hit.ID),
			Source:  UnknownSourceLabel,
			Content: p.Text,
			Score:   hit.Score,
		}
		if p.KnowledgeSourceID.Valid {
			rc.ChunkID = p.KnowledgeSourceID.Value
			if row, ok := rows[rc.ChunkID]; ok && row != nil {
				if row.SourceLabel != "" {
					rc.Source = row.SourceLabel
				}
				if rc.Content == "" {
					rc.Content = row.Content
				}
			}
		}
		out = append(out, rc)
	}
	return out
}

func classifyVectorError(err error) *FallbackError {
	switch {
	case errors.Is(err, ErrCollectionNotFound):
		return &FallbackError{Reason: ReasonCollectionMissing, Err: err}
	case errors.Is(err, ErrDimensionMismatch):
		return &FallbackError{Reason: ReasonDimensionMismatch, Err: err}
	case errors.Is(err, ErrEmptyCollection):
		return &FallbackError{Reason: ReasonEmptyCollection, Err: err}
	default:
		return &FallbackError{Reason: ReasonSearchFailed, Err: err}
	}
}

// ── Retriever ─────────────────────────────────────────────────

// Retriever 检索编排：embed → 向量检索，任一步不可用即降级到关系库扫描
type Retriever struct {
	embedder   Embedder
	vector     RetrievalStrategy
	relational RetrievalStrategy
	config     *Config
	cache      RetrievalCache // 可选
}

// NewRetriever 创建检索器
func NewRetriever(embedder Embedder, vector, relational RetrievalStrategy, config *Config) *Retriever {
	if config == nil {
		config = DefaultConfig()
	}
	return &Retriever{
		embedder:   embedder,
		vector:     vector,
		relational: relational,
		config:     config,
	}
}

// SetCache 设置检索缓存
func (r *Retriever) SetCache(c RetrievalCache) {
	r.cache = c
}

// Retrieve 执行检索。只有空问题会返回错误，后端不可用时总是降级。
func (r *Retriever) Retrieve(ctx context.Context, aiConfigID, rawQuery string, topK int, source string) (*RetrievalResult, error) {
	query := CleanQuery(rawQuery)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK = clampQueryTopK(topK)

	if r.cache != nil && source == "" {
		if cached, ok := r.cache.Get(ctx, aiConfigID, query, topK); ok {
			return cached, nil
		}
	}

	q := RetrievalQuery{
		AIConfigID: aiConfigID,
		Collection: r.config.CollectionName(aiConfigID),
		Query:      query,
		Source:     source,
		TopK:       topK,
	}

	vec, err := r.embed(ctx, query)
	if err != nil {
		return r.fallback(ctx, q, &FallbackError{Reason: ReasonEmbedFailed, Err: err}), nil
	}
	q.Vector = vec

	vctx, cancel := context.WithTimeout(ctx, r.config.VectorTimeout())
	chunks, err := r.vector.Retrieve(vctx, q)
	cancel()
	if err != nil {
		var fe *FallbackError
		if !errors.As(err, &fe) {
			fe = &FallbackError{Reason: ReasonSearchFailed, Err: err}
		}
		return r.fallback(ctx, q, fe), nil
	}

	result := &RetrievalResult{
		Chunks:   chunks,
		Strategy: r.vector.Name(),
		TopK:     topK,
	}
	metrics.Retrieval(result.Strategy, "")
	applog.Info("[RAG] Vector retrieval",
		"ai_config_id", aiConfigID,
		"top_k", topK,
		"hits", len(chunks),
	)

	if r.cache != nil && source == "" {
		r.cache.Set(ctx, aiConfigID, query, topK, result)
	}
	return result, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	ectx, cancel := context.WithTimeout(ctx, r.config.EmbedTimeout())
	defer cancel()
	vec, err := r.embedder.Embed(ectx, query)
	if err != nil {
		return nil, err
	}
	if err := ValidateVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// fallback 关系库扫描；连关系库也失败时返回空结果而非错误
func (r *Retriever) fallback(ctx context.Context, q RetrievalQuery, cause *FallbackError) *RetrievalResult {
	applog.Warn("[RAG] Falling back to relational scan",
		"ai_config_id", q.AIConfigID,
		"reason", cause.Reason,
		"error", cause.Err,
	)
	metrics.Retrieval(r.relational.Name(), cause.Reason)

	result := &RetrievalResult{
		Chunks:   []RetrievedChunk{},
		Strategy: r.relational.Name(),
		Fallback: cause.Reason,
		TopK:     q.TopK,
	}
	chunks, err := r.relational.Retrieve(ctx, q)
	if err != nil {
		applog.Error("[RAG] Relational fallback failed", "ai_config_id", q.AIConfigID, "error", err)
		return result
	}
	result.Chunks = chunks
	return result
}

// ResolveQueryTopK 单次查询 topK = min(请求覆盖值或配置值, 10)
func ResolveQueryTopK(configured, override int) int {
	k := configured
	if override > 0 {
		k = override
	}
	return clampQueryTopK(k)
}

func clampQueryTopK(k int) int {
	if k < 1 {
		return 1
	}
	if k > MaxQueryTopK {
		return MaxQueryTopK
	}
	return k
}

// ── Query 清洗 ───────────────────────────────────────────────

var (
	reLineBreak       = regexp.MustCompile(`\r\n|\r|\n`)
	reHorizontalSpace = regexp.MustCompile(`[^\S\n]+`)
)

// CleanQuery 所有换行统一为 " \n "，连续空白折叠为单个空格，去首尾空白
func CleanQuery(s string) string {
	s = reLineBreak.ReplaceAllString(s, " \n ")
	s = reHorizontalSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
