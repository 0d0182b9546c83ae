package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cognitive-memory-engine/internal/auth"
	"cognitive-memory-engine/internal/config"
	"cognitive-memory-engine/internal/engine"
)

func newTestRepo(t *testing.T) *engine.Repository {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&engine.MemoryRecord{}, &engine.MigrationEvent{}, &engine.ConsolidationEvent{}, &engine.HarvestSession{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	storage, err := engine.NewStorage(gdb, engine.DefaultStorageConfig())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	math, err := engine.NewMathEngine(
		engine.ScoreWeights{Recency: 0.3, Importance: 0.4, Relevance: 0.3},
		0.005,
		engine.ConsolidationParams{LearningRate: 0.3, SpacingSensitivity: 1.5, ClampMax: 15.0, DifficultyFactor: 1.2},
	)
	if err != nil {
		t.Fatalf("new math engine: %v", err)
	}
	embedder, err := engine.NewEmbeddingGateway("http://127.0.0.1:1", engine.EmbeddingGatewayOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new embedding gateway: %v", err)
	}
	dedup := engine.NewDeduplicator(storage, 0.85, 1000)
	tiers := engine.NewTierManager(storage, math, engine.DefaultTierManagerConfig())
	importance := engine.NewImportancePipeline(engine.DefaultImportancePipelineConfig(), nil)
	return engine.NewRepository(storage, math, embedder, dedup, tiers, importance, engine.DefaultRepositoryConfig())
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.JWTSecret = "test-secret"
	return cfg
}

func TestSetupRouter_Health(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := newTestConfig()
	r := SetupRouter(cfg, newTestRepo(t), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health should return 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSetupRouter_MemoriesRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := newTestConfig()
	r := SetupRouter(cfg, newTestRepo(t), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/memories", bytes.NewBufferString(`{"content":"hi"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}

func TestSetupRouter_CreateGetMemory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := newTestConfig()
	r := SetupRouter(cfg, newTestRepo(t), nil)
	token, _ := auth.GenerateJWT(cfg.Server.JWTSecret, "tester", "user", time.Minute)

	body, _ := json.Marshal(map[string]any{"content": "remember this for later"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/memories", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created engine.MemoryRecord
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created record: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a minted ID")
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/v1/memories/"+created.ID, nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("expected 200 on get, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestSetupRouter_PurgeRequiresAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := newTestConfig()
	r := SetupRouter(cfg, newTestRepo(t), nil)
	token, _ := auth.GenerateJWT(cfg.Server.JWTSecret, "tester", "user", time.Minute)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/purge", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin purge, got %d", w.Code)
	}
}
