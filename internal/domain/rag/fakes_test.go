package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"aiassist/internal/provider"
)

// ── embedder ──────────────────────────────────────────────────

type fakeEmbedder struct {
	dim    int
	failOn string // 文本包含该词时失败
	err    error  // 非 nil 时总是失败
	calls  int
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, errors.New("embedding service unavailable")
	}
	vec := make([]float32, e.dim)
	for i, r := range text {
		vec[i%e.dim] += float32(r%17) + 1
	}
	return vec, nil
}

// ── vector store ──────────────────────────────────────────────

type memCollection struct {
	dim    int
	points map[uint64]VectorPoint
	order  []uint64
}

type memVectorStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	creates     int
	searchErr   error
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{collections: make(map[string]*memCollection)}
}

func (s *memVectorStore) GetCollection(_ context.Context, name string) (*CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	n := uint64(len(c.points))
	return &CollectionInfo{Name: name, Dim: c.dim, Distance: "Cosine", PointsCount: n, IndexedVectorsCount: n}, nil
}

func (s *memVectorStore) EnsureCollection(_ context.Context, name string, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok && c.dim == dim {
		return nil
	}
	s.collections[name] = &memCollection{dim: dim, points: make(map[uint64]VectorPoint)}
	s.creates++
	return nil
}

func (s *memVectorStore) Upsert(_ context.Context, name string, p VectorPoint) error {
	if err := ValidateVector(p.Vector); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return ErrCollectionNotFound
	}
	if len(p.Vector) != c.dim {
		return ErrDimensionMismatch
	}
	if _, exists := c.points[p.ID]; !exists {
		c.order = append(c.order, p.ID)
	}
	c.points[p.ID] = p
	return nil
}

func (s *memVectorStore) Search(_ context.Context, name string, q SearchQuery) ([]ScoredPoint, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	if c.dim != len(q.Vector) {
		return nil, ErrDimensionMismatch
	}
	if len(c.points) == 0 {
		return nil, ErrEmptyCollection
	}

	var out []ScoredPoint
	for _, id := range c.order {
		p, ok := c.points[id]
		if !ok {
			continue
		}
		if q.Filter != nil && !matches(p.Payload, q.Filter) {
			continue
		}
		payload, _ := json.Marshal(p.Payload)
		out = append(out, ScoredPoint{ID: id, Score: cosine(q.Vector, p.Vector), Payload: payload})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(p PointPayload, f *Filter) bool {
	for _, m := range f.Must {
		if m.Key == "source" && p.Source != m.Match.Value {
			return false
		}
	}
	return true
}

func (s *memVectorStore) Count(_ context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return 0, ErrCollectionNotFound
	}
	return uint64(len(c.points)), nil
}

func (s *memVectorStore) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *memVectorStore) DeletePoints(_ context.Context, name string, ids []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

func (s *memVectorStore) pointCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ── relational store ─────────────────────────────────────────

type memRepo struct {
	mu       sync.Mutex
	nextID   int64
	chunks   map[int64]*KnowledgeChunk
	configs  map[string]*AIConfig
	models   map[string]*ModelConfig
	topKSets int
	listErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{
		chunks:  make(map[int64]*KnowledgeChunk),
		configs: make(map[string]*AIConfig),
		models:  make(map[string]*ModelConfig),
	}
}

func (r *memRepo) NextChunkID(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID, nil
}

func (r *memRepo) CreateChunk(_ context.Context, c *KnowledgeChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.chunks[c.ID] = &cp
	return nil
}

func (r *memRepo) GetChunk(_ context.Context, id int64) (*KnowledgeChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) GetChunks(ctx context.Context, ids []int64) (map[int64]*KnowledgeChunk, error) {
	out := make(map[int64]*KnowledgeChunk, len(ids))
	for _, id := range ids {
		if c, _ := r.GetChunk(ctx, id); c != nil {
			out[id] = c
		}
	}
	return out, nil
}

func (r *memRepo) sorted(aiConfigID string) []*KnowledgeChunk {
	var out []*KnowledgeChunk
	for _, c := range r.chunks {
		if c.AIConfigID == aiConfigID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkIndex != out[j].ChunkIndex {
			return out[i].ChunkIndex < out[j].ChunkIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memRepo) ListChunks(_ context.Context, aiConfigID string, offset, limit int) ([]*KnowledgeChunk, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(aiConfigID)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memRepo) ListChunksBySource(_ context.Context, aiConfigID, source string, limit int) ([]*KnowledgeChunk, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*KnowledgeChunk
	for _, c := range r.sorted(aiConfigID) {
		if c.SourceLabel != source {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) ListChunkIDsBySource(_ context.Context, aiConfigID, source string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, c := range r.sorted(aiConfigID) {
		if c.SourceLabel == source {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (r *memRepo) DeleteChunksBySource(_ context.Context, aiConfigID, source string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.chunks {
		if c.AIConfigID == aiConfigID && c.SourceLabel == source {
			delete(r.chunks, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CountDistinctSources(_ context.Context, aiConfigID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range r.chunks {
		if c.AIConfigID == aiConfigID {
			seen[c.SourceLabel] = true
		}
	}
	return len(seen), nil
}

func (r *memRepo) GetAIConfig(_ context.Context, id string) (*AIConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) UpdateRagTopK(_ context.Context, id string, topK int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.configs[id]; ok {
		c.RagTopK = topK
		r.topKSets++
	}
	return nil
}

func (r *memRepo) DeleteAIConfig(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
	for cid, c := range r.chunks {
		if c.AIConfigID == id {
			delete(r.chunks, cid)
		}
	}
	return nil
}

func (r *memRepo) GetModelConfig(_ context.Context, id string) (*ModelConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		return nil, nil
	}
	return m, nil
}

func (r *memRepo) GetActiveModelConfig(context.Context) (*ModelConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.models {
		if m.IsActive {
			return m, nil
		}
	}
	return nil, nil
}

func (r *memRepo) chunkCount(aiConfigID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sorted(aiConfigID))
}

// ── LLM / transcript ─────────────────────────────────────────

type fakeLLM struct {
	answer      string
	err         error
	calls       int
	lastContext string
	lastConfig  *AIConfig
	lastModel   *ModelConfig
}

func (l *fakeLLM) GenerateResponse(_ context.Context, contextText string, cfg *AIConfig, model *ModelConfig) (string, error) {
	l.calls++
	l.lastContext = contextText
	l.lastConfig = cfg
	l.lastModel = model
	if l.err != nil {
		return "", l.err
	}
	return l.answer, nil
}

func (l *fakeLLM) GenerateContent(_ context.Context, history []provider.Message) (string, error) {
	l.calls++
	if l.err != nil {
		return "", l.err
	}
	return l.answer, nil
}

type fakeTranscripts struct {
	err  error
	msgs map[string][]TranscriptMessage
}

func (t *fakeTranscripts) Append(_ context.Context, sessionID string, msgs ...TranscriptMessage) error {
	if t.err != nil {
		return t.err
	}
	if t.msgs == nil {
		t.msgs = make(map[string][]TranscriptMessage)
	}
	t.msgs[sessionID] = append(t.msgs[sessionID], msgs...)
	return nil
}

type memCache struct {
	entries     map[string]*RetrievalResult
	invalidated []string
}

func (c *memCache) key(aiConfigID, query string, topK int) string {
	return fmt.Sprintf("%s|%s|%d", aiConfigID, query, topK)
}

func (c *memCache) Get(_ context.Context, aiConfigID, query string, topK int) (*RetrievalResult, bool) {
	r, ok := c.entries[c.key(aiConfigID, query, topK)]
	return r, ok
}

func (c *memCache) Set(_ context.Context, aiConfigID, query string, topK int, result *RetrievalResult) {
	if c.entries == nil {
		c.entries = make(map[string]*RetrievalResult)
	}
	c.entries[c.key(aiConfigID, query, topK)] = result
}

func (c *memCache) InvalidateConfig(_ context.Context, aiConfigID string) {
	c.invalidated = append(c.invalidated, aiConfigID)
	for k := range c.entries {
		if strings.HasPrefix(k, aiConfigID+"|") {
			delete(c.entries, k)
		}
	}
}

// ── fixture ──────────────────────────────────────────────────

type fixture struct {
	cfg      *Config
	repo     *memRepo
	store    *memVectorStore
	embedder *fakeEmbedder
	llm      *fakeLLM
	ingestor *Ingestor
	assist   *Assistant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CollectionPrefix = "kb_"
	repo := newMemRepo()
	repo.configs["cfg-1"] = &AIConfig{ID: "cfg-1", CompanyID: "co-1", Name: "HR", Rules: "Be concise."}
	store := newMemVectorStore()
	emb := &fakeEmbedder{dim: 8}
	llm := &fakeLLM{answer: "answer"}

	ing, err := NewIngestor(NewParserRegistry(), emb, store, repo, repo, cfg)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	retriever := NewRetriever(emb, NewVectorStrategy(store, repo), NewRelationalStrategy(repo), cfg)
	return &fixture{
		cfg:      cfg,
		repo:     repo,
		store:    store,
		embedder: emb,
		llm:      llm,
		ingestor: ing,
		assist:   NewAssistant(repo, retriever, llm, cfg),
	}
}
