package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
)

// TierManagerConfig configures the migration schedule, thresholds and
// Working capacity, per SPEC_FULL.md §6.4.
type TierManagerConfig struct {
	WorkingCapacity     int
	MigrationInterval   time.Duration
	MigrationBatchSize  int
	PromotionStickiness time.Duration
	WarmThreshold       float64 // recall_probability below this: Working -> Warm
	ColdThreshold       float64 // Warm -> Cold
	FrozenThreshold     float64 // Cold -> Frozen
}

func DefaultTierManagerConfig() TierManagerConfig {
	return TierManagerConfig{
		WorkingCapacity:     9,
		MigrationInterval:   time.Hour,
		MigrationBatchSize:  1000,
		PromotionStickiness: 2 * time.Hour,
		WarmThreshold:       0.7,
		ColdThreshold:       0.5,
		FrozenThreshold:     0.2,
	}
}

// TierManager implements C6: the Working/Warm/Cold/Frozen state machine,
// run on a fixed schedule and on explicit capacity triggers. Grounded on
// internal/memory/decay.go's DecayWorker (ticker + phased cycle + stopChan +
// mutex discipline), adapted from age-based tiers to recall-probability
// gated tiers per §4.6.1.
type TierManager struct {
	storage *Storage
	math    *MathEngine
	cfg     TierManagerConfig

	stopChan chan struct{}
	cycleMu  sync.Mutex
}

func NewTierManager(storage *Storage, math *MathEngine, cfg TierManagerConfig) *TierManager {
	return &TierManager{storage: storage, math: math, cfg: cfg, stopChan: make(chan struct{})}
}

// Start runs the migration cycle immediately and then on cfg.MigrationInterval
// until Stop is called.
func (t *TierManager) Start(ctx context.Context) {
	t.runCycle(ctx)
	ticker := time.NewTicker(t.cfg.MigrationInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.runCycle(ctx)
			case <-t.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *TierManager) Stop() { close(t.stopChan) }

// runCycle serializes cycles (no two run concurrently) and walks each tier's
// permitted outbound transition, per §4.6.2.
func (t *TierManager) runCycle(ctx context.Context) {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	if err := t.EnforceWorkingCapacity(ctx); err != nil {
		log.Printf("[TierManager] capacity enforcement failed: %v", err)
	}

	transitions := []struct {
		from, to  Tier
		threshold float64
	}{
		{TierWorking, TierWarm, t.cfg.WarmThreshold},
		{TierWarm, TierCold, t.cfg.ColdThreshold},
		{TierCold, TierFrozen, t.cfg.FrozenThreshold},
	}
	for _, tr := range transitions {
		n, err := t.migrateTier(ctx, tr.from, tr.to, tr.threshold)
		if err != nil {
			log.Printf("[TierManager] %s->%s migration error: %v", tr.from, tr.to, err)
			continue
		}
		if n > 0 {
			log.Printf("[TierManager] migrated %d records %s -> %s", n, tr.from, tr.to)
		}
	}
}

func (t *TierManager) migrateTier(ctx context.Context, from, to Tier, threshold float64) (int, error) {
	recs, err := t.storage.RecordsInTier(ctx, from, t.cfg.MigrationBatchSize, 0)
	if err != nil {
		return 0, err
	}
	moved := 0
	now := time.Now()
	for _, rec := range recs {
		deltaHours := now.Sub(rec.LastAccessedAt).Hours()
		recall, err := t.math.RecallProbability(deltaHours, rec.ConsolidationStrength)
		if err != nil {
			log.Printf("[TierManager] recall probability error for %s: %v", rec.ID, err)
			continue
		}
		eligible := recall < threshold
		if from == TierWorking {
			eligible = eligible && now.Sub(rec.LastAccessedAt) >= t.cfg.PromotionStickiness
		}
		if !eligible {
			continue
		}
		if err := t.transitionOne(ctx, rec.ID, from, to, recall, "scheduled_decay"); err != nil {
			log.Printf("[TierManager] transition error for %s: %v", rec.ID, err)
			continue
		}
		moved++
	}
	return moved, nil
}

// transitionOne performs a single-record transaction: validate, then write
// the new tier and append a MigrationEvent, per §4.6.1/§5.
func (t *TierManager) transitionOne(ctx context.Context, id string, from, to Tier, recall float64, reason string) error {
	if !permittedTransition(from, to) {
		return InvalidTierTransition("tier_manager.transition", from, to)
	}
	return t.storage.WithTx(ctx, func(tx *gorm.DB) error {
		if err := t.storage.UpdateFields(ctx, tx, id, map[string]any{"tier": to}); err != nil {
			return err
		}
		return t.storage.RecordMigration(ctx, tx, &MigrationEvent{
			MemoryID:          id,
			FromTier:          from,
			ToTier:            to,
			RecallProbability: recall,
			Reason:            reason,
		})
	})
}

func permittedTransition(from, to Tier) bool {
	switch {
	case from == TierWorking && to == TierWarm:
		return true
	case from == TierWarm && to == TierCold:
		return true
	case from == TierCold && to == TierFrozen:
		return true
	case from == TierFrozen && to == TierWorking:
		return true
	default:
		return false
	}
}

// EnforceWorkingCapacity demotes the lowest-combined_score surplus record
// when Working exceeds its configured capacity, independent of schedule
// (§4.6.2).
func (t *TierManager) EnforceWorkingCapacity(ctx context.Context) error {
	count, err := t.storage.CountByTier(ctx, TierWorking)
	if err != nil {
		return err
	}
	for count > int64(t.cfg.WorkingCapacity) {
		surplus, err := t.storage.LowestScoreInTier(ctx, TierWorking)
		if err != nil {
			return err
		}
		if surplus == nil {
			return StorageExhausted("tier_manager.enforce_working_capacity", TierWorking)
		}
		if err := t.demote(ctx, surplus.ID, TierWorking, TierWarm, "capacity_overflow"); err != nil {
			return err
		}
		count--
	}
	return nil
}

func (t *TierManager) demote(ctx context.Context, id string, from, to Tier, reason string) error {
	return t.storage.WithTx(ctx, func(tx *gorm.DB) error {
		if err := t.storage.UpdateFields(ctx, tx, id, map[string]any{"tier": to}); err != nil {
			return err
		}
		return t.storage.RecordMigration(ctx, tx, &MigrationEvent{
			MemoryID: id,
			FromTier: from,
			ToTier:   to,
			Reason:   reason,
		})
	})
}

// PromoteToWorking implements the Frozen -> Working explicit recall path
// (§4.6.1): bypasses intermediate tiers, and if Working is at capacity the
// displaced record demotes to Warm in the same transaction.
func (t *TierManager) PromoteToWorking(ctx context.Context, id string) error {
	count, err := t.storage.CountByTier(ctx, TierWorking)
	if err != nil {
		return err
	}
	var surplusID string
	if count >= int64(t.cfg.WorkingCapacity) {
		surplus, err := t.storage.LowestScoreInTier(ctx, TierWorking)
		if err != nil {
			return err
		}
		if surplus != nil {
			surplusID = surplus.ID
		}
	}
	return t.storage.WithTx(ctx, func(tx *gorm.DB) error {
		if surplusID != "" {
			if err := t.storage.UpdateFields(ctx, tx, surplusID, map[string]any{"tier": TierWarm}); err != nil {
				return err
			}
			if err := t.storage.RecordMigration(ctx, tx, &MigrationEvent{
				MemoryID: surplusID, FromTier: TierWorking, ToTier: TierWarm, Reason: "displaced_by_promotion",
			}); err != nil {
				return err
			}
		}
		if err := t.storage.UpdateFields(ctx, tx, id, map[string]any{"tier": TierWorking}); err != nil {
			return err
		}
		return t.storage.RecordMigration(ctx, tx, &MigrationEvent{
			MemoryID: id, FromTier: TierFrozen, ToTier: TierWorking, Reason: "explicit_recall",
		})
	})
}

// ListTiers describes the four tiers for Repository.ListTiers (§6.1).
func ListTiers() []TierDescriptor {
	return []TierDescriptor{
		{Name: TierWorking, LatencyBudget: time.Millisecond, Predicate: "recall_probability >= 0.7"},
		{Name: TierWarm, LatencyBudget: 100 * time.Millisecond, Predicate: "0.5 <= recall_probability < 0.7"},
		{Name: TierCold, LatencyBudget: time.Second, Predicate: "0.2 <= recall_probability < 0.5"},
		{Name: TierFrozen, LatencyBudget: 5 * time.Second, Predicate: "recall_probability < 0.2"},
	}
}
