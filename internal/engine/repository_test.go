package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	storage := newTestStorage(t)
	math := testMathForTiers(t)
	embedder, err := NewEmbeddingGateway("http://127.0.0.1:1", EmbeddingGatewayOptions{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dedup := NewDeduplicator(storage, 0.85, 1000)
	tiers := NewTierManager(storage, math, DefaultTierManagerConfig())
	importance := NewImportancePipeline(DefaultImportancePipelineConfig(), nil)
	return NewRepository(storage, math, embedder, dedup, tiers, importance, DefaultRepositoryConfig())
}

func TestRepository_Create_AssignsDefaultsAndScores(t *testing.T) {
	repo := newTestRepository(t)
	rec, err := repo.Create(context.Background(), CreateRequest{Content: "the team decided to go with postgres"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if rec.Tier != TierWorking {
		t.Errorf("expected default tier working, got %v", rec.Tier)
	}
	if rec.ImportanceScore <= 0 {
		t.Errorf("expected importance pipeline to assign a positive score, got %v", rec.ImportanceScore)
	}
	if rec.ConsolidationStrength != 1.0 {
		t.Errorf("expected initial consolidation strength 1.0, got %v", rec.ConsolidationStrength)
	}
}

func TestRepository_Create_RejectsEmptyContent(t *testing.T) {
	repo := newTestRepository(t)
	if _, err := repo.Create(context.Background(), CreateRequest{Content: ""}); err == nil {
		t.Fatal("expected validation error for empty content")
	}
}

func TestRepository_Create_RejectsOversizedContent(t *testing.T) {
	repo := newTestRepository(t)
	repo.cfg.MaxContentLength = 5
	if _, err := repo.Create(context.Background(), CreateRequest{Content: "way too long"}); err == nil {
		t.Fatal("expected validation error for oversized content")
	}
}

func TestRepository_Create_HonorsExplicitImportanceScore(t *testing.T) {
	repo := newTestRepository(t)
	score := 0.42
	rec, err := repo.Create(context.Background(), CreateRequest{Content: "explicit score content", ImportanceScore: &score})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ImportanceScore != score {
		t.Errorf("expected explicit importance score honored, got %v", rec.ImportanceScore)
	}
}

func TestRepository_Create_DeduplicatesExactContent(t *testing.T) {
	repo := newTestRepository(t)
	first, err := repo.Create(context.Background(), CreateRequest{Content: "remember the api key rotates"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := repo.Create(context.Background(), CreateRequest{Content: "remember the api key rotates"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected duplicate content to merge into %s, got a new record %s", first.ID, second.ID)
	}
}

func TestRepository_GetAndUpdateAndDelete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, CreateRequest{Content: "a memory to manage"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count incremented to 1, got %d", got.AccessCount)
	}

	newContent := "an updated memory"
	updated, err := repo.Update(ctx, rec.ID, UpdatePatch{Content: &newContent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Content != newContent {
		t.Errorf("expected content updated, got %q", updated.Content)
	}

	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.storage.GetByID(ctx, rec.ID); err == nil {
		t.Error("expected record to be hidden after delete")
	}
}

func TestRepository_Update_RejectsInvalidTierTransition(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, CreateRequest{Content: "tier jump test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	frozen := TierFrozen
	if _, err := repo.Update(ctx, rec.ID, UpdatePatch{Tier: &frozen}); err == nil {
		t.Fatal("expected error for an invalid working->frozen transition")
	}
}

func TestRepository_Purge_RemovesOldSoftDeletes(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, CreateRequest{Content: "to be purged"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := repo.Purge(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record purged, got %d", n)
	}
}

func TestRepository_ListTiers_ReturnsFour(t *testing.T) {
	repo := newTestRepository(t)
	if len(repo.ListTiers()) != 4 {
		t.Errorf("expected 4 tier descriptors, got %d", len(repo.ListTiers()))
	}
}

func TestRepository_Create_PersistsCombinedScore(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, CreateRequest{Content: "a record with a combined score"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CombinedScore <= 0 {
		t.Errorf("expected a positive combined score on the returned record, got %v", rec.CombinedScore)
	}
	got, err := repo.storage.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CombinedScore != rec.CombinedScore {
		t.Errorf("expected persisted combined_score %v, got %v", rec.CombinedScore, got.CombinedScore)
	}
}

func TestRepository_Create_BackpressureTimesOutUnderContention(t *testing.T) {
	repo := newTestRepository(t)
	repo.cfg.IngestConcurrency = 1
	repo.cfg.BackpressureWait = 10 * time.Millisecond
	repo.ingestSem = semaphore.NewWeighted(1)

	if !repo.ingestSem.TryAcquire(1) {
		t.Fatal("expected to acquire the single ingest slot")
	}
	defer repo.ingestSem.Release(1)

	_, err := repo.Create(context.Background(), CreateRequest{Content: "blocked by a held ingest slot"})
	if err == nil {
		t.Fatal("expected a backpressure error while the only slot is held")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Kind != KindBackpressureTimeout {
		t.Errorf("expected KindBackpressureTimeout, got %v", err)
	}
}

func TestTranslateTimeout_WrapsDeadlineExceeded(t *testing.T) {
	err := translateTimeout("repository.create", context.DeadlineExceeded)
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Kind != KindOperationTimeout {
		t.Errorf("expected KindOperationTimeout, got %v", err)
	}
	if translateTimeout("repository.create", nil) != nil {
		t.Error("expected nil passthrough for nil error")
	}
	other := NotFound("repository.get", "x")
	if translateTimeout("repository.create", other) != other {
		t.Error("expected non-deadline errors to pass through unchanged")
	}
}

func TestRepository_ReembedOrphans_FillsInMissingEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	storage := newTestStorage(t)
	math := testMathForTiers(t)
	embedder, err := NewEmbeddingGateway(srv.URL, EmbeddingGatewayOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dedup := NewDeduplicator(storage, 0.85, 1000)
	tiers := NewTierManager(storage, math, DefaultTierManagerConfig())
	importance := NewImportancePipeline(DefaultImportancePipelineConfig(), nil)
	repo := NewRepository(storage, math, embedder, dedup, tiers, importance, DefaultRepositoryConfig())

	orphan := &MemoryRecord{Content: "stored while the provider was down", Tier: TierWorking, ImportanceScore: 0.5}
	if err := storage.Insert(context.Background(), orphan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	repo.reembedOrphans(context.Background())

	got, err := storage.GetByID(context.Background(), orphan.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Embedding.Slice()) == 0 {
		t.Error("expected reembedOrphans to populate the missing embedding")
	}
}

func TestRepository_Health_ReportsSubstrateAndBreakers(t *testing.T) {
	repo := newTestRepository(t)
	status := repo.Health(context.Background())
	if !status.SubstrateOK {
		t.Error("expected substrate healthy for an in-memory sqlite store")
	}
	if !status.EmbeddingOK {
		t.Error("expected embedding breaker closed before any failures")
	}
}
