package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"aiassist/internal/domain/rag"
)

const testSecret = "test-secret"

type fakeKnowledge struct {
	lastReq      rag.IngestRequest
	lastCompany  string
	lastContents map[string]string
	deleted      []string
	err          error
}

func (f *fakeKnowledge) Ingest(ctx context.Context, req rag.IngestRequest) (*rag.IngestResult, error) {
	f.lastReq = req
	f.lastCompany, _ = rag.CompanyScopeFrom(ctx)
	f.lastContents = map[string]string{}
	for _, file := range req.Files {
		if file.Open == nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		f.lastContents[file.Filename] = string(data)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &rag.IngestResult{Success: len(req.Files), Failures: []rag.IngestFailure{}, Items: []rag.IngestItem{}, RagTopK: 1}, nil
}

func (f *fakeKnowledge) DeleteSource(_ context.Context, aiConfigID, source string) (int64, error) {
	f.deleted = append(f.deleted, aiConfigID+"/"+source)
	return 2, f.err
}

func (f *fakeKnowledge) DeleteConfig(_ context.Context, aiConfigID string) error {
	f.deleted = append(f.deleted, aiConfigID)
	return f.err
}

type fakeChat struct {
	lastReq rag.ChatRequest
	result  *rag.ChatResult
	err     error
}

func (f *fakeChat) Search(_ context.Context, aiConfigID, query string, topK int, source string) (*rag.RetrievalResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rag.RetrievalResult{Chunks: []rag.RetrievedChunk{}, Strategy: rag.StrategyVector, TopK: topK}, nil
}

func (f *fakeChat) Ask(_ context.Context, req rag.ChatRequest) (*rag.ChatResult, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakeStore struct {
	configs     map[string]*rag.AIConfig
	activated   string
	activateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: map[string]*rag.AIConfig{
		"cfg-1": {ID: "cfg-1", CompanyID: "acme", Name: "HR bot", RagTopK: 2},
	}}
}

func (s *fakeStore) CreateAIConfig(_ context.Context, c *rag.AIConfig) error {
	c.ID = "cfg-new"
	s.configs[c.ID] = c
	return nil
}

func (s *fakeStore) GetAIConfig(ctx context.Context, id string) (*rag.AIConfig, error) {
	c, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	if company, scoped := rag.CompanyScopeFrom(ctx); scoped && company != c.CompanyID {
		return nil, nil
	}
	return c, nil
}

func (s *fakeStore) ListChunks(context.Context, string, int, int) ([]*rag.KnowledgeChunk, error) {
	return nil, nil
}

func (s *fakeStore) CreateModelConfig(_ context.Context, m *rag.ModelConfig) error {
	m.ID = "m-new"
	return nil
}

func (s *fakeStore) ListModelConfigs(context.Context) ([]*rag.ModelConfig, error) {
	return nil, nil
}

func (s *fakeStore) ActivateModelConfig(_ context.Context, id string) error {
	if s.activateErr != nil {
		return s.activateErr
	}
	s.activated = id
	return nil
}

type testEnv struct {
	handler   http.Handler
	knowledge *fakeKnowledge
	chat      *fakeChat
	store     *fakeStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		knowledge: &fakeKnowledge{},
		chat:      &fakeChat{result: &rag.ChatResult{Success: true, Answer: "hi", RetrievedChunks: []rag.RetrievedChunk{}}},
		store:     newFakeStore(),
	}
	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	env.handler = NewServer(cfg, Services{
		Knowledge: env.knowledge,
		Chat:      env.chat,
		Store:     env.store,
	}).Handler()
	return env
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func userToken(t *testing.T, roles ...string) string {
	claims := jwt.MapClaims{"sub": "u-1", "company_id": "acme"}
	if len(roles) > 0 {
		list := make([]interface{}, len(roles))
		for i, r := range roles {
			list[i] = r
		}
		claims["roles"] = list
	}
	return signToken(t, claims)
}

func (e *testEnv) do(t *testing.T, method, path, token, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestBuildRouterRequiresSecret(t *testing.T) {
	if _, err := NewServer(DefaultServerConfig(), Services{}).buildRouter(); err == nil {
		t.Fatal("expected error without JWT secret")
	}
}

func TestPublicRoutesBypassJWT(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/metrics"} {
		rr := env.do(t, http.MethodGet, path, "", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rr.Code)
		}
	}
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/ai-configs"},
		{http.MethodGet, "/api/v1/ai-configs/cfg-1"},
		{http.MethodPost, "/api/v1/ai-configs/cfg-1/knowledge/upload"},
		{http.MethodGet, "/api/v1/ai-configs/cfg-1/knowledge"},
		{http.MethodPost, "/api/v1/ai-configs/cfg-1/chat"},
		{http.MethodPost, "/api/v1/ai-configs/cfg-1/search"},
		{http.MethodPut, "/api/v1/model-configs/m-1/activate"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, "", "", nil)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestTokenValidation(t *testing.T) {
	env := newTestEnv(t)

	wrong, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"company_id": "acme"}).SignedString([]byte("other"))
	if rr := env.do(t, http.MethodGet, "/api/v1/ai-configs/cfg-1", wrong, "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: expected 401, got %d", rr.Code)
	}

	expired := signToken(t, jwt.MapClaims{"company_id": "acme", "exp": time.Now().Add(-time.Minute).Unix()})
	if rr := env.do(t, http.MethodGet, "/api/v1/ai-configs/cfg-1", expired, "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("expired: expected 401, got %d", rr.Code)
	}

	noCompany := signToken(t, jwt.MapClaims{"sub": "u-1"})
	rr := env.do(t, http.MethodGet, "/api/v1/ai-configs/cfg-1", noCompany, "", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("missing company: expected 403, got %d", rr.Code)
	}
	if resp := decodeResponse(t, rr); resp.Error != "forbidden_scope" {
		t.Errorf("unexpected error code %q", resp.Error)
	}
}

func TestGetAIConfigScopedToCompany(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodGet, "/api/v1/ai-configs/cfg-1", userToken(t), "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	other := signToken(t, jwt.MapClaims{"sub": "u-2", "company_id": "globex"})
	if rr := env.do(t, http.MethodGet, "/api/v1/ai-configs/cfg-1", other, "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across companies, got %d", rr.Code)
	}
}

func TestCreateAIConfig(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/v1/ai-configs", userToken(t), "application/json", []byte(`{"name":"IT bot","rules":"Be kind."}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := env.store.configs["cfg-new"]
	if created == nil || created.CompanyID != "acme" || created.RagTopK != rag.MinAutoTopK {
		t.Fatalf("unexpected created config %+v", created)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/ai-configs", userToken(t), "application/json", []byte(`{"name":"  "}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", rr.Code)
	}
}

func buildMultipart(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()
	return buf.Bytes(), mw.FormDataContentType()
}

func TestUploadKnowledge(t *testing.T) {
	env := newTestEnv(t)
	body, ct := buildMultipart(t, map[string]string{"a.txt": "alpha", "b.md": "# beta"})

	rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/knowledge/upload", userToken(t), ct, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	req := env.knowledge.lastReq
	if req.AIConfigID != "cfg-1" || len(req.Files) != 2 {
		t.Fatalf("unexpected ingest request %+v", req)
	}
	if env.knowledge.lastCompany != "acme" {
		t.Errorf("company scope not propagated, got %q", env.knowledge.lastCompany)
	}
	if got := env.knowledge.lastContents; got["a.txt"] != "alpha" || got["b.md"] != "# beta" {
		t.Errorf("upload contents not readable during ingest: %v", got)
	}
}

func TestUploadBodyTooLarge(t *testing.T) {
	knowledge := &fakeKnowledge{}
	h := NewKnowledgeHandler(knowledge, newFakeStore(), 1)
	h.maxBodyBytes = 4 << 10

	r := chi.NewRouter()
	r.Route("/ai-configs/{id}", h.RegisterRoutes)

	body, ct := buildMultipart(t, map[string]string{"big.txt": strings.Repeat("x", 16<<10)})
	req := httptest.NewRequest(http.MethodPost, "/ai-configs/cfg-1/knowledge/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	if knowledge.lastReq.AIConfigID != "" {
		t.Error("ingest must not run for an oversized body")
	}
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t)

	body, ct := buildMultipart(t, map[string]string{})
	if rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/knowledge/upload", userToken(t), ct, body); rr.Code != http.StatusBadRequest {
		t.Errorf("no files: expected 400, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/knowledge/upload", userToken(t), "application/json", []byte(`{}`)); rr.Code != http.StatusBadRequest {
		t.Errorf("not multipart: expected 400, got %d", rr.Code)
	}

	env.knowledge.err = fmt.Errorf("%w: cfg-1", rag.ErrAIConfigNotFound)
	body, ct = buildMultipart(t, map[string]string{"a.txt": "alpha"})
	if rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/knowledge/upload", userToken(t), ct, body); rr.Code != http.StatusNotFound {
		t.Errorf("missing config: expected 404, got %d", rr.Code)
	}
}

func TestDeleteSource(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodDelete, "/api/v1/ai-configs/cfg-1/knowledge", userToken(t), "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without source, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodDelete, "/api/v1/ai-configs/cfg-1/knowledge?source=handbook.pdf", userToken(t), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(env.knowledge.deleted) != 1 || env.knowledge.deleted[0] != "cfg-1/handbook.pdf" {
		t.Fatalf("unexpected deletes %v", env.knowledge.deleted)
	}

	if rr := env.do(t, http.MethodDelete, "/api/v1/ai-configs/cfg-1", userToken(t), "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for config delete, got %d", rr.Code)
	}
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"empty query", rag.ErrEmptyQuery, http.StatusBadRequest},
		{"missing config", fmt.Errorf("%w: x", rag.ErrAIConfigNotFound), http.StatusNotFound},
		{"llm without result", fmt.Errorf("%w: boom", rag.ErrLLMUnavailable), http.StatusBadGateway},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.chat.result = nil
			env.chat.err = tt.err
			rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/chat", userToken(t), "application/json", []byte(`{"message":"hi"}`))
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			if tt.status == http.StatusInternalServerError && strings.Contains(rr.Body.String(), "db down") {
				t.Error("internal error details must not leak")
			}
		})
	}
}

func TestChatLLMFailureKeepsRetrieval(t *testing.T) {
	env := newTestEnv(t)
	env.chat.result = &rag.ChatResult{
		Success:         false,
		Message:         "failed to generate answer",
		RetrievedChunks: []rag.RetrievedChunk{{ChunkID: 1, Source: "faq.txt", Content: "x"}},
		Strategy:        rag.StrategyVector,
	}
	env.chat.err = fmt.Errorf("%w: timeout", rag.ErrLLMUnavailable)

	rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/chat", userToken(t), "application/json",
		[]byte(`{"message":"hi","session_id":"s-1","top_k":3}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "faq.txt") || !strings.Contains(rr.Body.String(), "failed to generate answer") {
		t.Fatalf("expected retrieval in body, got %s", rr.Body.String())
	}
	if env.chat.lastReq.SessionID != "s-1" || env.chat.lastReq.TopK != 3 || env.chat.lastReq.AIConfigID != "cfg-1" {
		t.Errorf("request not forwarded: %+v", env.chat.lastReq)
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/search", userToken(t), "application/json", []byte(`{"query":"leave","top_k":4}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/v1/ai-configs/cfg-1/search", userToken(t), "application/json", []byte(`not json`)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rr.Code)
	}
}

func TestActivateModelConfigRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(t, http.MethodPut, "/api/v1/model-configs/m-2/activate", userToken(t), "", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin role, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPut, "/api/v1/model-configs/m-2/activate", userToken(t, RoleAdmin), "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if env.store.activated != "m-2" {
		t.Fatalf("expected m-2 activated, got %q", env.store.activated)
	}

	env.store.activateErr = rag.ErrModelConfigNotFound
	if rr := env.do(t, http.MethodPut, "/api/v1/model-configs/ghost/activate", userToken(t, RoleAdmin), "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCreateModelConfigValidation(t *testing.T) {
	env := newTestEnv(t)
	admin := userToken(t, RoleAdmin)

	if rr := env.do(t, http.MethodPost, "/api/v1/model-configs", admin, "application/json", []byte(`{"provider":"openai"}`)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without model, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/v1/model-configs", admin, "application/json", []byte(`{"model":"gpt-4o-mini","temperature":3}`)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for temperature, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/api/v1/model-configs", admin, "application/json", []byte(`{"model":"gpt-4o-mini","temperature":0.2,"max_tokens":256}`)); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/api/v1/model-configs", userToken(t), "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", rr.Code)
	}
}

func TestTranscriptRouteWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(t, http.MethodGet, "/api/v1/sessions/s-1/messages", userToken(t), "", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
