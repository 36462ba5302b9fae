package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	domainrag "aiassist/internal/domain/rag"
)

type KnowledgeChunk = domainrag.KnowledgeChunk
type AIConfig = domainrag.AIConfig
type ModelConfig = domainrag.ModelConfig

type Repository struct {
	db *sql.DB
}

var (
	_ domainrag.KnowledgeRepository  = (*Repository)(nil)
	_ domainrag.AIConfigRepository   = (*Repository)(nil)
	_ domainrag.ModelConfigActivator = (*Repository)(nil)
)

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureTables 确保模型配置、AI 配置、知识分块表存在
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS model_configs (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		provider    VARCHAR(64) NOT NULL DEFAULT 'openai',
		model       VARCHAR(128) NOT NULL,
		temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7,
		max_tokens  INTEGER NOT NULL DEFAULT 1024,
		is_active   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_model_configs_active ON model_configs(is_active) WHERE is_active;

	CREATE TABLE IF NOT EXISTS ai_configs (
		id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		company_id      VARCHAR(64) NOT NULL,
		name            VARCHAR(255) NOT NULL,
		rules           TEXT NOT NULL DEFAULT '',
		rag_top_k       INTEGER NOT NULL DEFAULT 1,
		model_config_id UUID REFERENCES model_configs(id) ON DELETE SET NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ai_configs_company ON ai_configs(company_id);

	CREATE TABLE IF NOT EXISTS knowledge_sources (
		id           BIGSERIAL PRIMARY KEY,
		ai_config_id UUID NOT NULL REFERENCES ai_configs(id) ON DELETE CASCADE,
		type         VARCHAR(16) NOT NULL,
		source_label VARCHAR(512) NOT NULL,
		title        VARCHAR(512) NOT NULL DEFAULT '',
		content      TEXT NOT NULL,
		chunk_index  INTEGER NOT NULL DEFAULT 0,
		total_chunks INTEGER NOT NULL DEFAULT 1,
		page_number  INTEGER NOT NULL DEFAULT 0,
		meta_json    JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_sources_order ON knowledge_sources(ai_config_id, chunk_index, id);
	CREATE INDEX IF NOT EXISTS idx_knowledge_sources_label ON knowledge_sources(ai_config_id, source_label);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// ── Knowledge chunks ──────────────────────────────────────────

// NextChunkID 从 BIGSERIAL 序列预取 ID，写向量点前即可确定行 ID
func (r *Repository) NextChunkID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`SELECT nextval(pg_get_serial_sequence('knowledge_sources', 'id'))`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate chunk id: %w", err)
	}
	return id, nil
}

func (r *Repository) CreateChunk(ctx context.Context, c *KnowledgeChunk) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	meta := c.MetaJSON
	if meta == "" {
		meta = "{}"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO knowledge_sources
		 (id, ai_config_id, type, source_label, title, content, chunk_index, total_chunks, page_number, meta_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.AIConfigID, c.Type, c.SourceLabel, c.Title, c.Content,
		c.ChunkIndex, c.TotalChunks, c.PageNumber, meta, c.CreatedAt,
	)
	return err
}

const chunkColumns = `id, ai_config_id, type, source_label, title, content, chunk_index, total_chunks, page_number, meta_json::text, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(s rowScanner) (*KnowledgeChunk, error) {
	c := &KnowledgeChunk{}
	err := s.Scan(&c.ID, &c.AIConfigID, &c.Type, &c.SourceLabel, &c.Title, &c.Content,
		&c.ChunkIndex, &c.TotalChunks, &c.PageNumber, &c.MetaJSON, &c.CreatedAt)
	return c, err
}

// GetChunks 批量查询；使用 ANY($1) 单次往返
func (r *Repository) GetChunks(ctx context.Context, ids []int64) (map[int64]*KnowledgeChunk, error) {
	out := make(map[int64]*KnowledgeChunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_sources WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (r *Repository) ListChunks(ctx context.Context, aiConfigID string, offset, limit int) ([]*KnowledgeChunk, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + chunkColumns + ` FROM knowledge_sources WHERE ai_config_id = $1
		ORDER BY chunk_index ASC, id ASC OFFSET $2`
	args := []interface{}{aiConfigID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	return r.queryChunks(ctx, query, args...)
}

// ListChunksBySource 只取指定来源文件的分块，顺序同 ListChunks
func (r *Repository) ListChunksBySource(ctx context.Context, aiConfigID, sourceLabel string, limit int) ([]*KnowledgeChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM knowledge_sources WHERE ai_config_id = $1 AND source_label = $2
		ORDER BY chunk_index ASC, id ASC`
	args := []interface{}{aiConfigID, sourceLabel}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.queryChunks(ctx, query, args...)
}

func (r *Repository) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*KnowledgeChunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*KnowledgeChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) ListChunkIDsBySource(ctx context.Context, aiConfigID, sourceLabel string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM knowledge_sources WHERE ai_config_id = $1 AND source_label = $2 ORDER BY id`,
		aiConfigID, sourceLabel,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) DeleteChunksBySource(ctx context.Context, aiConfigID, sourceLabel string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM knowledge_sources WHERE ai_config_id = $1 AND source_label = $2`,
		aiConfigID, sourceLabel,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) CountDistinctSources(ctx context.Context, aiConfigID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT source_label) FROM knowledge_sources WHERE ai_config_id = $1`,
		aiConfigID,
	).Scan(&n)
	return n, err
}

// ── AI configs ────────────────────────────────────────────────

func (r *Repository) CreateAIConfig(ctx context.Context, c *AIConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if companyID, ok := domainrag.CompanyScopeFrom(ctx); ok {
		c.CompanyID = companyID
	}
	if c.RagTopK < 1 {
		c.RagTopK = 1
	}
	c.UpdatedAt = time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ai_configs (id, company_id, name, rules, rag_top_k, model_config_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		c.ID, c.CompanyID, c.Name, c.Rules, c.RagTopK, nullIfEmpty(c.ModelConfigID), c.UpdatedAt,
	)
	return err
}

// GetAIConfig 带公司作用域时，跨公司的配置视为不存在
func (r *Repository) GetAIConfig(ctx context.Context, id string) (*AIConfig, error) {
	if !isUUID(id) {
		return nil, nil
	}
	query := `SELECT id, company_id, name, rules, rag_top_k, model_config_id, updated_at FROM ai_configs WHERE id = $1`
	args := []interface{}{id}
	if companyID, ok := domainrag.CompanyScopeFrom(ctx); ok {
		query += ` AND company_id = $2`
		args = append(args, companyID)
	}

	c := &AIConfig{}
	var modelID sql.NullString
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.CompanyID, &c.Name, &c.Rules, &c.RagTopK, &modelID, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ModelConfigID = modelID.String
	return c, nil
}

func (r *Repository) UpdateRagTopK(ctx context.Context, id string, topK int) error {
	if !isUUID(id) {
		return domainrag.ErrAIConfigNotFound
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE ai_configs SET rag_top_k = $1, updated_at = NOW() WHERE id = $2`,
		topK, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domainrag.ErrAIConfigNotFound
	}
	return nil
}

// DeleteAIConfig knowledge_sources 通过外键级联删除
func (r *Repository) DeleteAIConfig(ctx context.Context, id string) error {
	if !isUUID(id) {
		return nil
	}
	query := `DELETE FROM ai_configs WHERE id = $1`
	args := []interface{}{id}
	if companyID, ok := domainrag.CompanyScopeFrom(ctx); ok {
		query += ` AND company_id = $2`
		args = append(args, companyID)
	}
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// ── Model configs ─────────────────────────────────────────────

const modelColumns = `id, provider, model, temperature, max_tokens, is_active`

func scanModel(s rowScanner) (*ModelConfig, error) {
	m := &ModelConfig{}
	err := s.Scan(&m.ID, &m.Provider, &m.Model, &m.Temperature, &m.MaxTokens, &m.IsActive)
	return m, err
}

func (r *Repository) CreateModelConfig(ctx context.Context, m *ModelConfig) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	if m.Provider == "" {
		m.Provider = "openai"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO model_configs (id, provider, model, temperature, max_tokens, is_active)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		m.ID, m.Provider, m.Model, m.Temperature, m.MaxTokens,
	)
	m.IsActive = false
	return err
}

func (r *Repository) ListModelConfigs(ctx context.Context) ([]*ModelConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM model_configs ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ModelConfig
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) GetModelConfig(ctx context.Context, id string) (*ModelConfig, error) {
	if !isUUID(id) {
		return nil, nil
	}
	m, err := scanModel(r.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM model_configs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) GetActiveModelConfig(ctx context.Context) (*ModelConfig, error) {
	m, err := scanModel(r.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM model_configs WHERE is_active LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ActivateModelConfig 在一个事务内切换激活模型，并把固定到旧激活模型的 AI 配置迁移到新模型
func (r *Repository) ActivateModelConfig(ctx context.Context, id string) error {
	if !isUUID(id) {
		return domainrag.ErrModelConfigNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM model_configs WHERE is_active FOR UPDATE`,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load active model: %w", err)
	}
	if prev.Valid && prev.String == id {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE model_configs SET is_active = FALSE, updated_at = NOW() WHERE is_active`,
	); err != nil {
		return fmt.Errorf("deactivate model: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE model_configs SET is_active = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("activate model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domainrag.ErrModelConfigNotFound
	}

	if prev.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE ai_configs SET model_config_id = $1, updated_at = NOW() WHERE model_config_id = $2`,
			id, prev.String,
		); err != nil {
			return fmt.Errorf("repoint ai configs: %w", err)
		}
	}
	return tx.Commit()
}

// isUUID 非 UUID 的 id 直接视为不存在，避免 UUID 列比较报错
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
