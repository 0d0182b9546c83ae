package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/semaphore"
)

// RepositoryConfig bundles the numeric knobs from SPEC_FULL.md §6.4 that
// Repository itself consumes directly (the rest live on the sub-components).
type RepositoryConfig struct {
	MaxContentLength  int
	CreateBudget      time.Duration
	IngestConcurrency int           // concurrent Create calls admitted past the ingest gate (§5)
	BackpressureWait  time.Duration // max wait for an ingest slot before BackpressureTimeout
}

func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		MaxContentLength:  32768,
		CreateBudget:      1100 * time.Millisecond,
		IngestConcurrency: 100,
		BackpressureWait:  200 * time.Millisecond,
	}
}

// Repository is C4: the sole writer to Storage and the sole caller of the
// Math Engine for updates. Grounded on internal/memory/decay.go's
// runCompressionCycle orchestration shape (call out to sub-components,
// log each phase) and internal/memory/storage.go's Store/Search method
// contracts.
type Repository struct {
	storage    *Storage
	math       *MathEngine
	embedder   *EmbeddingGateway
	dedup      *Deduplicator
	tiers      *TierManager
	importance *ImportancePipeline
	cfg        RepositoryConfig
	ingestSem  *semaphore.Weighted
}

func NewRepository(storage *Storage, math *MathEngine, embedder *EmbeddingGateway, dedup *Deduplicator, tiers *TierManager, importance *ImportancePipeline, cfg RepositoryConfig) *Repository {
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = 100
	}
	if cfg.BackpressureWait <= 0 {
		cfg.BackpressureWait = 200 * time.Millisecond
	}
	repo := &Repository{
		storage:    storage,
		math:       math,
		embedder:   embedder,
		dedup:      dedup,
		tiers:      tiers,
		importance: importance,
		cfg:        cfg,
		ingestSem:  semaphore.NewWeighted(int64(cfg.IngestConcurrency)),
	}
	embedder.OnRecovery(func() {
		bctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo.reembedOrphans(bctx)
	})
	return repo
}

// Create implements §4.4.1 create. Ingest is gated by a weighted semaphore
// (§5): a caller that can't acquire a slot within BackpressureWait fails
// fast with BackpressureTimeout instead of piling up behind slow writers.
func (r *Repository) Create(ctx context.Context, req CreateRequest) (*MemoryRecord, error) {
	if req.Content == "" {
		return nil, Validation("repository.create", "content must not be empty")
	}
	if len(req.Content) > r.cfg.MaxContentLength {
		return nil, Validation("repository.create", "content exceeds max length")
	}

	semCtx, semCancel := context.WithTimeout(ctx, r.cfg.BackpressureWait)
	defer semCancel()
	if err := r.ingestSem.Acquire(semCtx, 1); err != nil {
		return nil, BackpressureTimeout("repository.create")
	}
	defer r.ingestSem.Release(1)

	tier := req.Tier
	if tier == "" {
		tier = TierWorking
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CreateBudget)
	defer cancel()

	importanceScore := 0.0
	if req.ImportanceScore != nil {
		importanceScore = *req.ImportanceScore
	}

	var embedding []float32
	emb, err := r.embedder.Embed(cctx, req.Content)
	if err != nil {
		log.Printf("[Repository] embedding unavailable for create, proceeding without: %v", err)
	} else {
		embedding = emb
	}

	if req.ImportanceScore == nil {
		ires := r.importance.Evaluate(cctx, req.Content, embedding, req.ContextUsed, req.MessageDepth)
		importanceScore = ires.Final
	}

	recency, err := r.math.RecencyScore(0)
	if err != nil {
		return nil, err
	}
	combined, err := r.math.CombinedScore(recency, importanceScore, 0)
	if err != nil {
		return nil, err
	}

	rec := &MemoryRecord{
		ID:                    NewMemoryRecordID(),
		Content:               req.Content,
		Tier:                  tier,
		Status:                StatusActive,
		ImportanceScore:       importanceScore,
		CombinedScore:         combined,
		ConsolidationStrength: 1.0,
		ExpiresAt:             req.ExpiresAt,
		ParentID:              req.ParentID,
		Metadata:              toJSONMap(req.Metadata),
	}
	rec.ContentHash = contentHash(req.Content)
	if embedding != nil {
		rec.Embedding = pgvector.NewVector(embedding)
	}

	decision, err := r.dedup.Dedupe(cctx, rec)
	if err != nil {
		return nil, translateTimeout("repository.create", err)
	}
	if decision.Kind == DedupMergeInto {
		// The candidate is stored first so the merge can archive it and link
		// it from the winner's related_memories.
		if err := r.storage.Insert(cctx, rec); err != nil {
			return nil, translateTimeout("repository.create", err)
		}
		merged, err := r.dedup.Merge(cctx, decision.ExistingID, rec, "cosine_threshold", decision.Similarity)
		if err != nil {
			return nil, translateTimeout("repository.create", err)
		}
		log.Printf("[Repository] create deduplicated into %s (sim=%.3f)", decision.ExistingID, decision.Similarity)
		return merged, nil
	}

	if err := r.storage.Insert(cctx, rec); err != nil {
		return nil, translateTimeout("repository.create", err)
	}

	if err := r.tiers.EnforceWorkingCapacity(ctx); err != nil {
		log.Printf("[Repository] capacity enforcement after create failed: %v", err)
	}

	log.Printf("[Repository] created %s tier=%s importance=%.3f", rec.ID, rec.Tier, rec.ImportanceScore)
	return rec, nil
}

// translateTimeout turns a bounded-context expiry into the caller-facing
// OperationTimeout kind rather than whatever the underlying substrate error
// wraps context.DeadlineExceeded as.
func translateTimeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OperationTimeout(op)
	}
	return err
}

// reembedOrphans re-embeds active records persisted with embedding=absent,
// the async recovery sweep triggered once the Embedding Gateway's breaker
// closes after an outage (§4.2 fallback policy).
func (r *Repository) reembedOrphans(ctx context.Context) {
	recs, err := r.storage.RecordsMissingEmbedding(ctx, 500)
	if err != nil {
		log.Printf("[Repository] re-embed scan failed: %v", err)
		return
	}
	if len(recs) == 0 {
		return
	}
	healed := 0
	for _, rec := range recs {
		emb, err := r.embedder.Embed(ctx, rec.Content)
		if err != nil {
			log.Printf("[Repository] re-embed failed for %s: %v", rec.ID, err)
			continue
		}
		if err := r.storage.UpdateFields(ctx, nil, rec.ID, map[string]any{
			"embedding": pgvector.NewVector(emb),
		}); err != nil {
			log.Printf("[Repository] re-embed persist failed for %s: %v", rec.ID, err)
			continue
		}
		healed++
	}
	log.Printf("[Repository] re-embed sweep healed %d/%d orphaned records", healed, len(recs))
}

// Get implements §4.4.1 get: read, record access, promote if Frozen.
func (r *Repository) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	rec, err := r.storage.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.recordAccess(ctx, rec); err != nil {
		log.Printf("[Repository] access recording failed for %s: %v", id, err)
	} else if refreshed, err := r.storage.GetByID(ctx, id); err == nil {
		rec = refreshed
	}

	if rec.Tier == TierFrozen {
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.tiers.PromoteToWorking(bctx, id); err != nil {
				log.Printf("[Repository] async promotion of %s failed: %v", id, err)
			}
		}()
	}

	return rec, nil
}

// recordAccess bumps access_count/last_accessed_at and recomputes
// recency/combined and consolidation strength, all in one transaction (§5).
func (r *Repository) recordAccess(ctx context.Context, rec *MemoryRecord) error {
	now := time.Now()
	deltaHours := now.Sub(rec.LastAccessedAt).Hours()
	newStrength, err := r.math.UpdateConsolidationStrength(rec.ConsolidationStrength, deltaHours, 0)
	if err != nil {
		return err
	}
	recency, err := r.math.RecencyScore(0)
	if err != nil {
		return err
	}
	combined, err := r.math.CombinedScore(recency, rec.ImportanceScore, 0)
	if err != nil {
		return err
	}
	return r.storage.UpdateFields(ctx, nil, rec.ID, map[string]any{
		"access_count":           rec.AccessCount + 1,
		"last_accessed_at":       now,
		"consolidation_strength": newStrength,
		"combined_score":         combined,
	})
}

// Update implements §4.4.1 update.
func (r *Repository) Update(ctx context.Context, id string, patch UpdatePatch) (*MemoryRecord, error) {
	rec, err := r.storage.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if patch.Content != nil {
		fields["content"] = *patch.Content
		fields["content_hash"] = contentHash(*patch.Content)
	}
	if patch.ImportanceScore != nil {
		fields["importance_score"] = *patch.ImportanceScore
	}
	if patch.Metadata != nil {
		fields["metadata"] = toJSONMap(patch.Metadata)
	}
	if patch.ExpiresAt != nil {
		fields["expires_at"] = *patch.ExpiresAt
	}
	if patch.Tier != nil && *patch.Tier != rec.Tier {
		if !permittedTransition(rec.Tier, *patch.Tier) {
			return nil, InvalidTierTransition("repository.update", rec.Tier, *patch.Tier)
		}
		fields["tier"] = *patch.Tier
	}

	importance := rec.ImportanceScore
	if patch.ImportanceScore != nil {
		importance = *patch.ImportanceScore
	}
	recency, err := r.math.RecencyScore(0)
	if err != nil {
		return nil, err
	}
	combined, err := r.math.CombinedScore(recency, importance, 0)
	if err != nil {
		return nil, err
	}
	fields["combined_score"] = combined

	if err := r.storage.UpdateFields(ctx, nil, id, fields); err != nil {
		return nil, err
	}
	return r.storage.GetByID(ctx, id)
}

// Delete implements §4.4.1 delete: soft delete.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.storage.SoftDelete(ctx, id)
}

// Purge physically removes records soft-deleted before the retention
// window, the supplemented administrative operation (SPEC_FULL.md §12).
func (r *Repository) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return r.storage.PurgeDeleted(ctx, time.Now().Add(-retention))
}

// ListTiers implements §6.1 ListTiers.
func (r *Repository) ListTiers() []TierDescriptor { return ListTiers() }

// Health implements §6.1 Health.
func (r *Repository) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{OK: true}
	if err := r.storage.Ping(ctx); err != nil {
		status.SubstrateOK = false
		status.OK = false
	} else {
		status.SubstrateOK = true
	}
	status.EmbeddingOK = !r.embedder.breaker.IsOpen()
	status.ImportanceOK = !r.importance.breaker.IsOpen()
	if !status.EmbeddingOK || !status.ImportanceOK {
		status.OK = false
	}
	counters, err := r.storage.Counters(ctx)
	if err == nil {
		status.Counters = counters
	}
	return status
}

func toJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
