package engine

import (
	"context"

	"gorm.io/datatypes"
)

// DedupDecisionKind is the outcome of Deduplicator.Dedupe.
type DedupDecisionKind string

const (
	DedupKeep       DedupDecisionKind = "keep"
	DedupMergeInto  DedupDecisionKind = "merge_into"
)

// DedupDecision is the result of Deduplicator.Dedupe (§4.5).
type DedupDecision struct {
	Kind       DedupDecisionKind
	ExistingID string
	Similarity float64
}

// Deduplicator implements C5: content_hash exact-match, then bounded-cohort
// cosine similarity, then atomic idempotent merge. Grounded almost directly
// on internal/memory/consolidator.go's ConsolidateDuplicates/
// consolidateDuplicateSet/cosineSimilarity.
type Deduplicator struct {
	storage          *Storage
	similarityThreshold float64
	cohortSize       int
}

func NewDeduplicator(storage *Storage, similarityThreshold float64, cohortSize int) *Deduplicator {
	if similarityThreshold == 0 {
		similarityThreshold = 0.85
	}
	if cohortSize == 0 {
		cohortSize = 1000
	}
	return &Deduplicator{storage: storage, similarityThreshold: similarityThreshold, cohortSize: cohortSize}
}

// Dedupe decides whether candidate should be kept as a new record or merged
// into an existing one, per §4.5 steps 1-2.
func (d *Deduplicator) Dedupe(ctx context.Context, candidate *MemoryRecord) (DedupDecision, error) {
	if existing, err := d.storage.FindByContentHash(ctx, candidate.ContentHash, candidate.Tier); err != nil {
		return DedupDecision{}, err
	} else if existing != nil {
		return DedupDecision{Kind: DedupMergeInto, ExistingID: existing.ID, Similarity: 1.0}, nil
	}

	if len(candidate.Embedding.Slice()) == 0 {
		return DedupDecision{Kind: DedupKeep}, nil
	}

	cohort, err := d.storage.RecentWorkingCohort(ctx, d.cohortSize)
	if err != nil {
		return DedupDecision{}, err
	}

	bestID := ""
	bestSim := 0.0
	for _, m := range cohort {
		emb := m.Embedding.Slice()
		if len(emb) == 0 {
			continue
		}
		sim := CosineSimilarity(candidate.Embedding.Slice(), emb)
		if sim > bestSim {
			bestSim = sim
			bestID = m.ID
		}
	}
	if bestID != "" && bestSim >= d.similarityThreshold {
		return DedupDecision{Kind: DedupMergeInto, ExistingID: bestID, Similarity: bestSim}, nil
	}
	return DedupDecision{Kind: DedupKeep}, nil
}

// Merge performs the atomic, idempotent merge procedure (§4.5): the winner
// takes max importance_score, max consolidation_strength, the union of tags
// and metadata, and records the loser in related_memories; the loser is
// archived rather than deleted so history survives.
func (d *Deduplicator) Merge(ctx context.Context, winnerID string, loser *MemoryRecord, reason string, similarity float64) (*MemoryRecord, error) {
	winnerRec, err := d.storage.GetByID(ctx, winnerID)
	if err != nil {
		return nil, err
	}
	for _, rid := range winnerRec.RelatedMemories {
		if rid == loser.ID {
			// already merged; idempotent no-op
			return winnerRec, nil
		}
	}

	fields := map[string]any{}
	if loser.ImportanceScore > winnerRec.ImportanceScore {
		fields["importance_score"] = loser.ImportanceScore
	}
	if loser.ConsolidationStrength > winnerRec.ConsolidationStrength {
		fields["consolidation_strength"] = loser.ConsolidationStrength
	}
	fields["related_memories"] = datatypes.JSONSlice[string](append(append([]string{}, winnerRec.RelatedMemories...), loser.ID))
	mergedTags := unionStrings(winnerRec.Tags, loser.Tags)
	fields["tags"] = datatypes.JSONSlice[string](mergedTags)
	mergedMeta := datatypes.JSONMap{}
	for k, v := range loser.Metadata {
		mergedMeta[k] = v
	}
	for k, v := range winnerRec.Metadata {
		mergedMeta[k] = v // winner's scalar wins on conflict
	}
	fields["metadata"] = mergedMeta

	if err := d.storage.UpdateFields(ctx, nil, winnerID, fields); err != nil {
		return nil, err
	}
	if err := d.storage.ArchiveRecord(ctx, loser.ID); err != nil {
		return nil, err
	}
	if err := d.storage.RecordConsolidation(ctx, nil, &ConsolidationEvent{
		SurvivorID:      winnerID,
		MergedIDs:       []string{loser.ID},
		SimilarityScore: similarity,
		MergeReason:     reason,
	}); err != nil {
		return nil, err
	}
	return d.storage.GetByID(ctx, winnerID)
}

func unionStrings(a, b []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
