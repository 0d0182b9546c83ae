package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// MemoryRecord is the gorm-backed persistence model for a single memory,
// the engine's sole durable entity (SPEC_FULL.md §3.1). Embedding is stored
// as a pgvector column; Metadata as a JSONB column via gorm.io/datatypes,
// grounded on internal/db/db.go's AutoMigrate wiring and cross-pack usage
// of pgvector-go in scrypster-memento and Harshitk-cp-engram.
type MemoryRecord struct {
	ID              string            `gorm:"type:uuid;primaryKey"`
	Content         string            `gorm:"type:text;not null"`
	ContentHash     string            `gorm:"type:char(64);index"`
	Embedding       pgvector.Vector   `gorm:"type:vector(1536)"`
	Tier            Tier              `gorm:"type:varchar(16);index;not null"`
	Status          Status            `gorm:"type:varchar(16);index;not null;default:active"`
	ImportanceScore float64           `gorm:"not null"`
	CombinedScore   float64           `gorm:"index"`
	ConsolidationStrength float64     `gorm:"not null;default:1.0"`
	AccessCount     int64             `gorm:"not null;default:0"`
	LastAccessedAt  time.Time         `gorm:"index"`
	CreatedAt       time.Time         `gorm:"index"`
	UpdatedAt       time.Time
	ExpiresAt       *time.Time        `gorm:"index"`
	ParentID        *string           `gorm:"type:uuid;index"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	Tags            datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	OutcomeTag      OutcomeTag        `gorm:"type:varchar(16)"`
	TrustScore      float64           `gorm:"not null;default:0.5"`
	ValidationCount int64             `gorm:"not null;default:0"`
	RelatedMemories datatypes.JSONSlice[string] `gorm:"type:jsonb"`
}

// TableName pins the table name independent of struct renames.
func (MemoryRecord) TableName() string { return "memory_records" }

// NewMemoryRecordID mints a record identifier. Grounded on the teacher's
// use of google/uuid throughout internal/memory for Memory.ID generation.
func NewMemoryRecordID() string { return uuid.NewString() }

// MigrationEvent is an immutable audit row for a tier transition, emitted
// by the Tier Manager (SPEC_FULL.md §4.6) for observability and replay.
type MigrationEvent struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	MemoryID     string    `gorm:"type:uuid;index;not null"`
	FromTier     Tier      `gorm:"type:varchar(16);not null"`
	ToTier       Tier      `gorm:"type:varchar(16);not null"`
	RecallProbability float64
	Reason       string    `gorm:"type:varchar(64)"`
	CreatedAt    time.Time `gorm:"index"`
}

func (MigrationEvent) TableName() string { return "migration_events" }

// ConsolidationEvent is an immutable audit row emitted by the Deduplicator
// whenever two or more records are merged (SPEC_FULL.md §4.5).
type ConsolidationEvent struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	SurvivorID   string    `gorm:"type:uuid;index;not null"`
	MergedIDs    datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	SimilarityScore float64
	MergeReason  string    `gorm:"type:varchar(32)"` // "exact_hash" | "cosine_threshold"
	CreatedAt    time.Time `gorm:"index"`
}

func (ConsolidationEvent) TableName() string { return "consolidation_events" }

// HarvestSession is the table shape for a Harvester Orchestrator's
// (SPEC_FULL.md §4.8) per-conversation cursor. The table is migrated, but the
// Harvester keeps its cursor in memory and writes the last turn index to
// Redis; nothing in this package writes rows to this table.
type HarvestSession struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	ConversationID  string    `gorm:"type:varchar(128);index;not null"`
	LastTurnIndex   int64     `gorm:"not null;default:0"`
	LastHarvestedAt time.Time
	TurnsSinceHarvest int64   `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (HarvestSession) TableName() string { return "harvest_sessions" }
