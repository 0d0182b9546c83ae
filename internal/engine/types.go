// Package engine implements the cognitive memory engine: tiered,
// vector-indexed storage with forgetting-curve driven migration and
// hybrid retrieval.
package engine

import (
	"time"
)

// Tier is the durability/latency class a memory record belongs to.
type Tier string

const (
	TierWorking Tier = "working"
	TierWarm    Tier = "warm"
	TierCold    Tier = "cold"
	TierFrozen  Tier = "frozen"
)

// Status is the record's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusMigrating Status = "migrating"
	StatusArchived  Status = "archived"
	StatusDeleted   Status = "deleted"
)

// SearchType selects a retrieval mode.
type SearchType string

const (
	SearchSemantic SearchType = "semantic"
	SearchFullText SearchType = "fulltext"
	SearchTemporal SearchType = "temporal"
	SearchHybrid   SearchType = "hybrid"
)

// OutcomeTag is the Phase-4-derived evaluation of a memory's outcome.
// Supplemental to the core spec (see SPEC_FULL.md §12); empty means
// not yet evaluated.
type OutcomeTag string

const (
	OutcomeGood    OutcomeTag = "good"
	OutcomeBad     OutcomeTag = "bad"
	OutcomeNeutral OutcomeTag = "neutral"
)

// CreateRequest is the input to Repository.Create.
type CreateRequest struct {
	Content         string
	Tier            Tier
	ImportanceScore *float64 // nil => compute via Importance Pipeline
	Metadata        map[string]any
	ParentID        *string
	ExpiresAt       *time.Time
	ContextUsed     int // count of memories used to build this content, fed to Stage 1
	MessageDepth    int
}

// UpdatePatch is the input to Repository.Update; nil fields are untouched.
type UpdatePatch struct {
	Content         *string
	ImportanceScore *float64
	Tier            *Tier
	Metadata        map[string]any
	ExpiresAt       *time.Time
}

// DateRange bounds a temporal query, both ends inclusive when non-nil.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// ImportanceRange bounds importance_score, both ends inclusive when non-nil.
type ImportanceRange struct {
	Min *float64
	Max *float64
}

// SearchRequest is the input to Repository.Search, per SPEC_FULL.md §6.2.
type SearchRequest struct {
	QueryText           string
	QueryEmbedding      []float32
	SearchType          SearchType
	HybridWeights       *HybridWeights
	Tier                *Tier
	DateRange           *DateRange
	ImportanceRange     *ImportanceRange
	MetadataFilter      map[string]any
	Tags                []string
	Limit               int
	Offset              int
	SimilarityThreshold float64
	IncludeMetadata     bool
	IncludeFacets       bool
	ExplainScore        bool
}

// HybridWeights are the sub-score weights for SearchHybrid, defaulting to
// {0.6, 0.1, 0.15, 0.1, 0.05} per SPEC_FULL.md §4.4.2.
type HybridWeights struct {
	Similarity      float64
	Temporal        float64
	Importance      float64
	Recency         float64
	AccessFrequency float64
}

// DefaultHybridWeights returns the spec's default Hybrid weighting.
func DefaultHybridWeights() HybridWeights {
	return HybridWeights{
		Similarity:      0.6,
		Temporal:        0.1,
		Importance:      0.15,
		Recency:         0.1,
		AccessFrequency: 0.05,
	}
}

// SearchResult is the uniform result contract every retrieval mode must
// produce in full (SPEC_FULL.md §4.4.1); fields never absent, only defaulted.
type SearchResult struct {
	Record                *MemoryRecord
	SimilarityScore       float64
	TemporalScore         float64
	ImportanceScore       float64
	AccessFrequencyScore  float64
	CombinedScore         float64
	Explanation           string
}

// SearchResponse is the output of Repository.Search.
type SearchResponse struct {
	Results     []SearchResult
	Total       *int
	Facets      map[string][]string
	QueryTimeMS int64
}

// TierDescriptor is one entry of Repository.ListTiers.
type TierDescriptor struct {
	Name           Tier
	LatencyBudget  time.Duration
	Predicate      string
}

// HealthStatus is the output of Repository.Health.
type HealthStatus struct {
	OK            bool
	SubstrateOK   bool
	EmbeddingOK   bool
	ImportanceOK  bool
	Counters      map[string]int64
}
