package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	applog "aiassist/internal/platform/log"
	"aiassist/internal/platform/metrics"
)

// ── Ingestor 入库 Pipeline ────────────────────────────────────

// Ingestor 文档入库：Extract → Split → (逐块 Embed → Upsert → 写元数据行) → 重算 topK
type Ingestor struct {
	extractor Extractor
	chunker   *Chunker
	embedder  Embedder
	store     VectorStore
	chunks    KnowledgeRepository
	configs   AIConfigRepository
	cache     RetrievalCache // 可选：入库后清缓存
	config    *Config

	locksMu sync.Mutex
	locks   map[string]*collectionLock // 集合名 → 入库锁，无人持有时移除
}

type collectionLock struct {
	mu   sync.Mutex
	refs int // 持有者 + 等待者
}

// NewIngestor 创建入库 Pipeline
func NewIngestor(
	extractor Extractor,
	embedder Embedder,
	store VectorStore,
	chunks KnowledgeRepository,
	configs AIConfigRepository,
	config *Config,
) (*Ingestor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	chunker, err := NewChunker(config.ChunkSize, config.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		chunks:    chunks,
		configs:   configs,
		config:    config,
		locks:     make(map[string]*collectionLock),
	}, nil
}

// SetCache 设置缓存（入库后自动清除）
func (in *Ingestor) SetCache(c RetrievalCache) {
	in.cache = c
}

// lockCollection 获取集合锁，返回释放函数
func (in *Ingestor) lockCollection(name string) (unlock func()) {
	in.locksMu.Lock()
	l, ok := in.locks[name]
	if !ok {
		l = &collectionLock{}
		in.locks[name] = l
	}
	l.refs++
	in.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		in.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(in.locks, name)
		}
		in.locksMu.Unlock()
	}
}

// Ingest 批量入库。单个分块或文件失败只记入 Failures，批次继续。
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	cfg, err := in.configs.GetAIConfig(ctx, req.AIConfigID)
	if err != nil {
		return nil, fmt.Errorf("load ai config: %w", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrAIConfigNotFound, req.AIConfigID)
	}

	collection := in.config.CollectionName(req.AIConfigID)
	defer in.lockCollection(collection)()

	start := time.Now()
	result := &IngestResult{
		Failures: []IngestFailure{},
		Items:    []IngestItem{},
	}
	b := &batch{collection: collection, aiConfigID: req.AIConfigID}

	for _, f := range req.Files {
		failures := in.ingestFile(ctx, b, f, result)
		if failures > 0 {
			result.Failed++
			metrics.IngestFile(metrics.StatusFailed)
		} else {
			result.Success++
			metrics.IngestFile(metrics.StatusOK)
		}
	}

	topK, err := in.RecalculateTopK(ctx, cfg)
	if err != nil {
		applog.Warn("[RAG/Ingest] Recalculate topK failed", "ai_config_id", req.AIConfigID, "error", err)
		topK = cfg.RagTopK
	}
	result.RagTopK = topK

	if in.cache != nil {
		in.cache.InvalidateConfig(ctx, req.AIConfigID)
	}

	applog.Info("[RAG/Ingest] Batch done",
		"ai_config_id", req.AIConfigID,
		"files", len(req.Files),
		"success", result.Success,
		"failed", result.Failed,
		"chunks", len(result.Items),
		"rag_top_k", result.RagTopK,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// batch 单次 Ingest 调用内共享的状态
type batch struct {
	collection string
	aiConfigID string
	ensuredDim int // 0 = 本批次尚未确认集合
}

// ingestFile 处理单个文件，返回失败条数
func (in *Ingestor) ingestFile(ctx context.Context, b *batch, f UploadFile, result *IngestResult) int {
	fail := func(reason string) {
		result.Failures = append(result.Failures, IngestFailure{Filename: f.Filename, Reason: reason})
	}

	limit := int64(in.config.MaxFileSize) << 20
	data, err := readUpload(f, limit)
	if err != nil {
		applog.Warn("[RAG/Ingest] Read upload failed", "file", f.Filename, "error", err)
		fail("read file: " + err.Error())
		return 1
	}
	if limit > 0 && int64(len(data)) > limit {
		fail(fmt.Sprintf("file exceeds %dMB", in.config.MaxFileSize))
		return 1
	}

	doc, err := in.extractor.Extract(bytes.NewReader(data), f.Filename)
	if err != nil {
		applog.Warn("[RAG/Ingest] Extract failed", "file", f.Filename, "error", err)
		fail(err.Error())
		return 1
	}

	pieces := in.chunker.Split(doc.Content)
	if len(pieces) == 0 {
		fail(ErrEmptyDocument.Error())
		return 1
	}

	docType := documentType(f.Filename, doc.Format)
	failures := 0
	for _, piece := range pieces {
		item, err := in.ingestChunk(ctx, b, f.Filename, docType, doc, piece, len(pieces))
		if err != nil {
			failures++
			metrics.IngestChunk(metrics.StatusFailed)
			applog.Warn("[RAG/Ingest] Chunk failed",
				"file", f.Filename,
				"chunk", piece.Index,
				"error", err,
			)
			fail(fmt.Sprintf("chunk %d: %v", piece.Index, err))
			continue
		}
		metrics.IngestChunk(metrics.StatusOK)
		result.Items = append(result.Items, *item)
	}
	return failures
}

func (in *Ingestor) ingestChunk(
	ctx context.Context,
	b *batch,
	filename, docType string,
	doc *ExtractResult,
	piece Chunk,
	total int,
) (*IngestItem, error) {
	id, err := in.chunks.NextChunkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve chunk id: %w", err)
	}

	ectx, cancel := context.WithTimeout(ctx, in.config.EmbedTimeout())
	vec, err := in.embedder.Embed(ectx, piece.Text)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if err := ValidateVector(vec); err != nil {
		return nil, err
	}

	vctx, cancel := context.WithTimeout(ctx, in.config.VectorTimeout())
	defer cancel()

	// 批次内首个向量（或维度变化时）确认集合，维度以该向量为准
	if b.ensuredDim != len(vec) {
		if err := in.store.EnsureCollection(vctx, b.collection, len(vec)); err != nil {
			return nil, fmt.Errorf("ensure collection: %w", err)
		}
		b.ensuredDim = len(vec)
	}

	point := VectorPoint{
		ID:     uint64(id),
		Vector: vec,
		Payload: PointPayload{
			Text:              piece.Text,
			Source:            filename,
			KnowledgeSourceID: NewFlexID(id),
			AIConfigID:        b.aiConfigID,
		},
	}
	if err := in.store.Upsert(vctx, b.collection, point); err != nil {
		return nil, fmt.Errorf("upsert: %w", err)
	}

	row := &KnowledgeChunk{
		ID:          id,
		AIConfigID:  b.aiConfigID,
		Type:        docType,
		SourceLabel: filename,
		Title:       chunkTitle(filename, piece.Index, total),
		Content:     piece.Text,
		ChunkIndex:  piece.Index,
		TotalChunks: total,
		PageNumber:  piece.PageNumber,
		MetaJSON:    chunkMeta(doc, piece, len(vec)),
	}
	if err := in.chunks.CreateChunk(ctx, row); err != nil {
		// 向量点已写入，关系行失败时两边不一致，不做回滚
		return nil, fmt.Errorf("persist chunk row: %w", err)
	}

	return &IngestItem{
		Filename:          filename,
		PointID:           uint64(id),
		KnowledgeSourceID: id,
		PageNumber:        piece.PageNumber,
	}, nil
}

// RecalculateTopK topK = clamp(1, 5, 不同来源文件数)，变化时写回
func (in *Ingestor) RecalculateTopK(ctx context.Context, cfg *AIConfig) (int, error) {
	n, err := in.chunks.CountDistinctSources(ctx, cfg.ID)
	if err != nil {
		return 0, fmt.Errorf("count sources: %w", err)
	}
	topK := clampAutoTopK(n)
	if topK == cfg.RagTopK {
		return topK, nil
	}
	if err := in.configs.UpdateRagTopK(ctx, cfg.ID, topK); err != nil {
		return 0, fmt.Errorf("update rag_top_k: %w", err)
	}
	applog.Info("[RAG/Ingest] RagTopK updated", "ai_config_id", cfg.ID, "from", cfg.RagTopK, "to", topK)
	cfg.RagTopK = topK
	return topK, nil
}

func clampAutoTopK(n int) int {
	if n < MinAutoTopK {
		return MinAutoTopK
	}
	if n > MaxAutoTopK {
		return MaxAutoTopK
	}
	return n
}

// ── 删除 ──────────────────────────────────────────────────────

// DeleteSource 删除某个来源文件的全部分块行与向量点，并重算 topK
func (in *Ingestor) DeleteSource(ctx context.Context, aiConfigID, sourceLabel string) (int64, error) {
	cfg, err := in.configs.GetAIConfig(ctx, aiConfigID)
	if err != nil {
		return 0, fmt.Errorf("load ai config: %w", err)
	}
	if cfg == nil {
		return 0, fmt.Errorf("%w: %s", ErrAIConfigNotFound, aiConfigID)
	}

	collection := in.config.CollectionName(aiConfigID)
	defer in.lockCollection(collection)()

	ids, err := in.chunks.ListChunkIDsBySource(ctx, aiConfigID, sourceLabel)
	if err != nil {
		return 0, fmt.Errorf("list chunk ids: %w", err)
	}
	if len(ids) > 0 {
		pointIDs := make([]uint64, len(ids))
		for i, id := range ids {
			pointIDs[i] = uint64(id)
		}
		vctx, cancel := context.WithTimeout(ctx, in.config.VectorTimeout())
		err := in.store.DeletePoints(vctx, collection, pointIDs)
		cancel()
		if err != nil {
			applog.Warn("[RAG/Ingest] Delete points failed, removing rows anyway",
				"collection", collection,
				"source", sourceLabel,
				"error", err,
			)
		}
	}

	n, err := in.chunks.DeleteChunksBySource(ctx, aiConfigID, sourceLabel)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := in.RecalculateTopK(ctx, cfg); err != nil {
		applog.Warn("[RAG/Ingest] Recalculate topK failed", "ai_config_id", aiConfigID, "error", err)
	}
	if in.cache != nil {
		in.cache.InvalidateConfig(ctx, aiConfigID)
	}

	applog.Info("[RAG/Ingest] Source deleted", "ai_config_id", aiConfigID, "source", sourceLabel, "rows", n)
	return n, nil
}

// DeleteConfig 删除 AI 配置：关系行级联删除，随后删除向量集合
func (in *Ingestor) DeleteConfig(ctx context.Context, aiConfigID string) error {
	cfg, err := in.configs.GetAIConfig(ctx, aiConfigID)
	if err != nil {
		return fmt.Errorf("load ai config: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("%w: %s", ErrAIConfigNotFound, aiConfigID)
	}

	collection := in.config.CollectionName(aiConfigID)
	defer in.lockCollection(collection)()

	if err := in.configs.DeleteAIConfig(ctx, aiConfigID); err != nil {
		return fmt.Errorf("delete ai config: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, in.config.VectorTimeout())
	defer cancel()
	if err := in.store.DeleteCollection(vctx, collection); err != nil {
		applog.Warn("[RAG/Ingest] Delete collection failed", "collection", collection, "error", err)
	}
	if in.cache != nil {
		in.cache.InvalidateConfig(ctx, aiConfigID)
	}

	applog.Info("[RAG/Ingest] AI config deleted", "ai_config_id", aiConfigID, "collection", collection)
	return nil
}

// ── helpers ──────────────────────────────────────────────────

// readUpload 超过 limit 时多读 1 字节用于判定超限；limit<=0 不限制
func readUpload(f UploadFile, limit int64) ([]byte, error) {
	if f.Open == nil {
		return f.Data, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	return io.ReadAll(r)
}

func documentType(filename, format string) string {
	if format != "" {
		return format
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func chunkTitle(filename string, index, total int) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if total <= 1 {
		return base
	}
	return fmt.Sprintf("%s (%d/%d)", base, index+1, total)
}

func chunkMeta(doc *ExtractResult, piece Chunk, dim int) string {
	meta := map[string]any{
		"words":     len(strings.Fields(piece.Text)),
		"dimension": dim,
	}
	if doc.Format != "" {
		meta["format"] = doc.Format
	}
	if doc.Pages > 0 {
		meta["pages"] = doc.Pages
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}
