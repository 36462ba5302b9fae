package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	domainrag "aiassist/internal/domain/rag"
	applog "aiassist/internal/platform/log"
	"aiassist/internal/platform/metrics"
)

// HTTPError Qdrant 返回非 2xx
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed (%d): %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound 是否为 404
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// Config 客户端配置
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration

	// 写入后等待索引追上的固定延迟
	SettleDelay time.Duration

	// 点数 > 0 且已索引数为 0 时，检索前的轮询
	IndexPollAttempts int
	IndexPollInterval time.Duration

	// 熔断：连续失败次数与打开后的冷却时间
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.IndexPollAttempts <= 0 {
		c.IndexPollAttempts = 10
	}
	if c.IndexPollInterval <= 0 {
		c.IndexPollInterval = 500 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Client Qdrant HTTP 客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cfg        Config
}

var _ domainrag.VectorStore = (*Client)(nil)

// NewClient 创建 Qdrant 客户端
func NewClient(cfg Config) *Client {
	cfg.withDefaults()
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "qdrant",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			applog.Warn("[Qdrant] Circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// isBreakerSuccess 只有传输错误与 5xx 计入熔断
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode < 500
	}
	return false
}

// ── 集合 ──────────────────────────────────────────────────────

type collectionResponse struct {
	Status              string  `json:"status"`
	PointsCount         *uint64 `json:"points_count"`
	IndexedVectorsCount *uint64 `json:"indexed_vectors_count"`
	Config              struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

// GetCollection 获取集合元数据；不存在返回 ErrCollectionNotFound
func (c *Client) GetCollection(ctx context.Context, name string) (*domainrag.CollectionInfo, error) {
	var res collectionResponse
	if err := c.do(ctx, "get_collection", http.MethodGet, collectionPath(name), nil, &res); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domainrag.ErrCollectionNotFound, name)
		}
		return nil, err
	}
	info := &domainrag.CollectionInfo{
		Name:     name,
		Dim:      res.Config.Params.Vectors.Size,
		Distance: res.Config.Params.Vectors.Distance,
	}
	if res.PointsCount != nil {
		info.PointsCount = *res.PointsCount
	}
	if res.IndexedVectorsCount != nil {
		info.IndexedVectorsCount = *res.IndexedVectorsCount
	}
	return info, nil
}

// EnsureCollection 保证集合存在且维度为 dim；维度不一致时删除重建（已有点全部丢失）
func (c *Client) EnsureCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: dimension %d", domainrag.ErrInvalidVector, dim)
	}

	info, err := c.GetCollection(ctx, name)
	switch {
	case errors.Is(err, domainrag.ErrCollectionNotFound):
		return c.createCollection(ctx, name, dim)
	case err != nil:
		return err
	}

	if info.Dim != dim {
		applog.Warn("[Qdrant] Collection dimension changed, recreating",
			"collection", name,
			"stored_dim", info.Dim,
			"new_dim", dim,
			"points_lost", info.PointsCount,
		)
		if err := c.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("delete stale collection: %w", err)
		}
		return c.createCollection(ctx, name, dim)
	}

	if info.PointsCount > 0 && info.IndexedVectorsCount == 0 {
		applog.Warn("[Qdrant] Collection has points but no indexed vectors",
			"collection", name,
			"points", info.PointsCount,
		)
	}
	return nil
}

func (c *Client) createCollection(ctx context.Context, name string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	if err := c.do(ctx, "create_collection", http.MethodPut, collectionPath(name), body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	applog.Info("[Qdrant] Collection created", "collection", name, "dim", dim)
	return nil
}

// DeleteCollection 删除集合，不存在视为成功
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	err := c.do(ctx, "delete_collection", http.MethodDelete, collectionPath(name), nil, nil)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// ── 点 ────────────────────────────────────────────────────────

type pointStruct struct {
	ID      uint64                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload domainrag.PointPayload `json:"payload"`
}

// Upsert 写入单个点并等待 SettleDelay
func (c *Client) Upsert(ctx context.Context, name string, point domainrag.VectorPoint) error {
	if err := domainrag.ValidateVector(point.Vector); err != nil {
		return err
	}
	body := map[string]any{
		"points": []pointStruct{{ID: point.ID, Vector: point.Vector, Payload: point.Payload}},
	}
	if err := c.do(ctx, "upsert", http.MethodPut, collectionPath(name)+"/points?wait=true", body, nil); err != nil {
		return err
	}
	return sleepCtx(ctx, c.cfg.SettleDelay)
}

// DeletePoints 按 ID 删除点
func (c *Client) DeletePoints(ctx context.Context, name string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	return c.do(ctx, "delete_points", http.MethodPost, collectionPath(name)+"/points/delete?wait=true", body, nil)
}

// Count 精确计数
func (c *Client) Count(ctx context.Context, name string) (uint64, error) {
	var res struct {
		Count uint64 `json:"count"`
	}
	err := c.do(ctx, "count", http.MethodPost, collectionPath(name)+"/points/count", map[string]any{"exact": true}, &res)
	if err != nil {
		if IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", domainrag.ErrCollectionNotFound, name)
		}
		return 0, err
	}
	return res.Count, nil
}

type searchRequest struct {
	Vector      []float32         `json:"vector"`
	Limit       int               `json:"limit"`
	WithPayload bool              `json:"with_payload"`
	Filter      *domainrag.Filter `json:"filter,omitempty"`
}

type scoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload json.RawMessage `json:"payload"`
}

// Search 相似度检索，结果按分数降序（同分保持返回顺序）并截断到 Limit
func (c *Client) Search(ctx context.Context, name string, q domainrag.SearchQuery) ([]domainrag.ScoredPoint, error) {
	if err := domainrag.ValidateVector(q.Vector); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 1
	}

	info, err := c.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.Dim != len(q.Vector) {
		return nil, fmt.Errorf("%w: collection %s has %d, query has %d",
			domainrag.ErrDimensionMismatch, name, info.Dim, len(q.Vector))
	}
	if info.PointsCount == 0 {
		return nil, fmt.Errorf("%w: %s", domainrag.ErrEmptyCollection, name)
	}
	if info.IndexedVectorsCount == 0 {
		if err := c.waitForIndex(ctx, name); err != nil {
			return nil, err
		}
	}

	var raw []scoredPoint
	req := searchRequest{Vector: q.Vector, Limit: q.Limit, WithPayload: q.WithPayload, Filter: q.Filter}
	if err := c.do(ctx, "search", http.MethodPost, collectionPath(name)+"/points/search", req, &raw); err != nil {
		return nil, err
	}

	hits := make([]domainrag.ScoredPoint, 0, len(raw))
	for _, r := range raw {
		id, ok := parsePointID(r.ID)
		if !ok {
			applog.Debug("[Qdrant] Skipping hit with non-numeric id", "collection", name, "id", string(r.ID))
			continue
		}
		hits = append(hits, domainrag.ScoredPoint{ID: id, Score: r.Score, Payload: r.Payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// waitForIndex 轮询直到出现已索引向量；超过次数后直接返回，由调用方照常检索
func (c *Client) waitForIndex(ctx context.Context, name string) error {
	for attempt := 1; attempt <= c.cfg.IndexPollAttempts; attempt++ {
		if err := sleepCtx(ctx, c.cfg.IndexPollInterval); err != nil {
			return err
		}
		info, err := c.GetCollection(ctx, name)
		if err != nil {
			return err
		}
		if info.IndexedVectorsCount > 0 {
			return nil
		}
	}
	applog.Warn("[Qdrant] Index not ready, searching anyway",
		"collection", name,
		"attempts", c.cfg.IndexPollAttempts,
	)
	return nil
}

// ── HTTP ──────────────────────────────────────────────────────

// envelope Qdrant 统一响应包装
type envelope struct {
	Result json.RawMessage `json:"result"`
	Status any             `json:"status"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	defer metrics.ObserveUpstream("qdrant", op, start)

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	respBody, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, path, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("qdrant %s: %w", op, err)
		}
		return err
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody.([]byte), &env); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("decode %s response: missing result", op)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func collectionPath(name string) string {
	return "/collections/" + url.PathEscape(name)
}

func parsePointID(raw json.RawMessage) (uint64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	id, err := strconv.ParseUint(s, 10, 64)
	return id, err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
