package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// StorageConfig mirrors SPEC_FULL.md §6.4's `storage` block.
type StorageConfig struct {
	MaxConnections          int
	MinConnections          int
	ConnectionTimeout       time.Duration
	StatementTimeoutGeneral time.Duration
	StatementTimeoutVector  time.Duration
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		MaxConnections:          100,
		MinConnections:          5,
		ConnectionTimeout:       5 * time.Second,
		StatementTimeoutGeneral: 30 * time.Second,
		StatementTimeoutVector:  300 * time.Second,
	}
}

// Storage is the substrate adapter (C3), backed by gorm+postgres+pgvector.
// Grounded on internal/memory/storage.go's method shapes (Store/Search/
// UpdateMemory/DeleteMemory/GetMemoryByID/CountMemoriesByTier/GetTierCounts),
// reimplemented against a relational+vector store instead of qdrant, per
// SPEC_FULL.md §11 (pgvector-go sourced from the cross-pack scrypster-memento
// and Harshitk-cp-engram repos).
type Storage struct {
	db      *gorm.DB
	cfg     StorageConfig
	connSem *semaphore.Weighted
}

func NewStorage(db *gorm.DB, cfg StorageConfig) (*Storage, error) {
	if db == nil {
		return nil, InvalidParameter("storage.new", "nil *gorm.DB")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, Database("storage.new", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MinConnections)
	sqlDB.SetConnMaxIdleTime(cfg.ConnectionTimeout)
	return &Storage{db: db, cfg: cfg, connSem: semaphore.NewWeighted(int64(cfg.MaxConnections))}, nil
}

// AutoMigrate creates/updates the substrate's tables and the pgvector
// extension. Called once at startup by cmd/server.
func (s *Storage) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return Database("storage.auto_migrate", err)
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&MemoryRecord{}, &MigrationEvent{}, &ConsolidationEvent{}, &HarvestSession{}); err != nil {
		return Database("storage.auto_migrate", err)
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_memory_tier_status ON memory_records (tier, status)",
		"CREATE INDEX IF NOT EXISTS idx_memory_last_accessed ON memory_records (last_accessed_at)",
		"CREATE INDEX IF NOT EXISTS idx_memory_content_hash ON memory_records (content_hash)",
		"CREATE INDEX IF NOT EXISTS idx_memory_embedding_cosine ON memory_records USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)",
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return Database("storage.auto_migrate", err)
		}
	}
	return nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Insert writes a new record under a single transaction (§4.4.1 create).
func (s *Storage) Insert(ctx context.Context, rec *MemoryRecord) error {
	if rec.ID == "" {
		rec.ID = NewMemoryRecordID()
	}
	rec.ContentHash = contentHash(rec.Content)
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt, rec.LastAccessedAt = now, now, now
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil {
		return Database("storage.insert", err)
	}
	return nil
}

// GetByID reads a record by id; NotFound if missing or soft-deleted.
func (s *Storage) GetByID(ctx context.Context, id string) (*MemoryRecord, error) {
	var rec MemoryRecord
	err := s.db.WithContext(ctx).Where("id = ? AND status <> ?", id, StatusDeleted).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound("storage.get_by_id", id)
	}
	if err != nil {
		return nil, Database("storage.get_by_id", err)
	}
	return &rec, nil
}

// WithTx runs fn inside a single transaction, the substrate's
// read-modify-write primitive used by the Tier Manager's migration, demotion
// and promotion paths. Acquiring a slot
// is bounded by MaxConnections/ConnectionTimeout; a caller that can't get one
// in time sees ConnectionPool rather than queuing indefinitely.
func (s *Storage) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	defer cancel()
	if err := s.connSem.Acquire(wctx, 1); err != nil {
		return ConnectionPool("storage.with_tx")
	}
	defer s.connSem.Release(1)

	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			return err
		}
		return Database("storage.with_tx", err)
	}
	return nil
}

// UpdateFields persists a partial update plus the derived combined_score;
// callers (Repository.update, access recording) compute the new scores via
// the Math Engine and pass the full field set here atomically.
func (s *Storage) UpdateFields(ctx context.Context, tx *gorm.DB, id string, fields map[string]any) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	fields["updated_at"] = time.Now()
	res := db.WithContext(ctx).Model(&MemoryRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return Database("storage.update_fields", res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("storage.update_fields", id)
	}
	return nil
}

// ArchiveRecord marks a record Archived, the Deduplicator's loser outcome
// distinct from a caller-initiated Delete (§4.5 merge procedure). A record
// that's already gone or not Active signals a concurrent merge racing on the
// same loser rather than succeeding as a silent zero-row update.
func (s *Storage) ArchiveRecord(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Where("id = ? AND status = ?", id, StatusActive).
		Updates(map[string]any{"status": StatusArchived, "updated_at": time.Now()})
	if res.Error != nil {
		return Database("storage.archive_record", res.Error)
	}
	if res.RowsAffected == 0 {
		return ConcurrencyError("storage.archive_record", fmt.Errorf("record %s was not active when archive was attempted", id))
	}
	return nil
}

// RecordsMissingEmbedding returns active records with no embedding, the
// cohort the Embedding Gateway's recovery sweep re-embeds once its breaker
// closes after an outage (§4.2 fallback policy).
func (s *Storage) RecordsMissingEmbedding(ctx context.Context, limit int) ([]MemoryRecord, error) {
	var recs []MemoryRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND embedding IS NULL", StatusActive).
		Order("created_at").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, Database("storage.records_missing_embedding", err)
	}
	return recs, nil
}

// SoftDelete marks a record Deleted without removing it (§4.4.1 delete).
func (s *Storage) SoftDelete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Where("id = ? AND status <> ?", id, StatusDeleted).
		Updates(map[string]any{"status": StatusDeleted, "updated_at": time.Now()})
	if res.Error != nil {
		return Database("storage.soft_delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("storage.soft_delete", id)
	}
	return nil
}

// PurgeDeleted physically removes records soft-deleted before cutoff, the
// substrate half of the supplemented Purge operation (SPEC_FULL.md §12).
func (s *Storage) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Unscoped().
		Where("status = ? AND updated_at < ?", StatusDeleted, cutoff).
		Delete(&MemoryRecord{})
	if res.Error != nil {
		return 0, Database("storage.purge_deleted", res.Error)
	}
	return res.RowsAffected, nil
}

// SemanticSearch runs vector k-NN with a similarity floor and tier/status
// filters, per §4.3 capability 2 and §4.4.2 Semantic mode.
func (s *Storage) SemanticSearch(ctx context.Context, embedding []float32, tier *Tier, threshold float64, limit int) ([]MemoryRecord, []float64, error) {
	vec := pgvector.NewVector(embedding)
	q := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Select("*, 1 - (embedding <=> ?) AS sim", vec).
		Where("status = ?", StatusActive).
		Where("embedding IS NOT NULL")
	if tier != nil {
		q = q.Where("tier = ?", *tier)
	}
	q = q.Where("1 - (embedding <=> ?) >= ?", vec, threshold).
		Order(fmt.Sprintf("embedding <=> '%s'", vec.String())).
		Order("combined_score desc").
		Order("last_accessed_at desc").
		Limit(limit)

	rows, err := q.Rows()
	if err != nil {
		return nil, nil, Database("storage.semantic_search", err)
	}
	defer rows.Close()
	return s.scanRecordRowsWithScore(rows)
}

// FullTextSearch ranks content via postgres full-text search.
func (s *Storage) FullTextSearch(ctx context.Context, query string, tier *Tier, limit int) ([]MemoryRecord, []float64, error) {
	q := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Select("*, ts_rank(to_tsvector('english', content), plainto_tsquery('english', ?)) AS sim", query).
		Where("status = ?", StatusActive).
		Where("to_tsvector('english', content) @@ plainto_tsquery('english', ?)", query)
	if tier != nil {
		q = q.Where("tier = ?", *tier)
	}
	q = q.Order("sim desc").Order("combined_score desc").Order("last_accessed_at desc").Limit(limit)

	rows, err := q.Rows()
	if err != nil {
		return nil, nil, Database("storage.fulltext_search", err)
	}
	defer rows.Close()
	return s.scanRecordRowsWithScore(rows)
}

// TemporalSearch orders by combined_score within an optional date range.
func (s *Storage) TemporalSearch(ctx context.Context, dr *DateRange, tier *Tier, limit int) ([]MemoryRecord, error) {
	q := s.db.WithContext(ctx).Where("status = ?", StatusActive)
	if tier != nil {
		q = q.Where("tier = ?", *tier)
	}
	if dr != nil {
		if dr.From != nil {
			q = q.Where("created_at >= ?", *dr.From)
		}
		if dr.To != nil {
			q = q.Where("created_at <= ?", *dr.To)
		}
	}
	var recs []MemoryRecord
	if err := q.Order("combined_score desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, Database("storage.temporal_search", err)
	}
	return recs, nil
}

// RecentWorkingCohort returns the top-N most recent Working records, the
// bounded cohort the Deduplicator compares candidates against (§4.5).
func (s *Storage) RecentWorkingCohort(ctx context.Context, n int) ([]MemoryRecord, error) {
	var recs []MemoryRecord
	err := s.db.WithContext(ctx).
		Where("tier = ? AND status = ?", TierWorking, StatusActive).
		Order("created_at desc").Limit(n).Find(&recs).Error
	if err != nil {
		return nil, Database("storage.recent_working_cohort", err)
	}
	return recs, nil
}

// FindByContentHash finds an active record sharing content_hash and tier.
func (s *Storage) FindByContentHash(ctx context.Context, hash string, tier Tier) (*MemoryRecord, error) {
	var rec MemoryRecord
	err := s.db.WithContext(ctx).
		Where("content_hash = ? AND tier = ? AND status = ?", hash, tier, StatusActive).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Database("storage.find_by_content_hash", err)
	}
	return &rec, nil
}

// RecordsInTier returns one page (limit/offset, ordered by id) of active
// records in `tier`, whose recall_probability the caller evaluates; the Tier
// Manager reads the first migration_batch_size records per cycle.
func (s *Storage) RecordsInTier(ctx context.Context, tier Tier, limit, offset int) ([]MemoryRecord, error) {
	var recs []MemoryRecord
	err := s.db.WithContext(ctx).
		Where("tier = ? AND status = ?", tier, StatusActive).
		Order("id").Limit(limit).Offset(offset).Find(&recs).Error
	if err != nil {
		return nil, Database("storage.records_in_tier", err)
	}
	return recs, nil
}

// CountByTier returns the active record count for a tier, used to enforce
// Working capacity (§4.6.2).
func (s *Storage) CountByTier(ctx context.Context, tier Tier) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Where("tier = ? AND status = ?", tier, StatusActive).Count(&n).Error
	if err != nil {
		return 0, Database("storage.count_by_tier", err)
	}
	return n, nil
}

// LowestScoreInTier finds the surplus record to demote when Working
// capacity is exceeded (§4.6.2).
func (s *Storage) LowestScoreInTier(ctx context.Context, tier Tier) (*MemoryRecord, error) {
	var rec MemoryRecord
	err := s.db.WithContext(ctx).
		Where("tier = ? AND status = ?", tier, StatusActive).
		Order("combined_score asc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Database("storage.lowest_score_in_tier", err)
	}
	return &rec, nil
}

// RecordMigration appends an immutable MigrationEvent row.
func (s *Storage) RecordMigration(ctx context.Context, tx *gorm.DB, ev *MigrationEvent) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	if ev.ID == "" {
		ev.ID = NewMemoryRecordID()
	}
	ev.CreatedAt = time.Now()
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		return Database("storage.record_migration", err)
	}
	return nil
}

// RecordConsolidation appends an immutable ConsolidationEvent row.
func (s *Storage) RecordConsolidation(ctx context.Context, tx *gorm.DB, ev *ConsolidationEvent) error {
	db := s.db
	if tx != nil {
		db = tx
	}
	if ev.ID == "" {
		ev.ID = NewMemoryRecordID()
	}
	ev.CreatedAt = time.Now()
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		return Database("storage.record_consolidation", err)
	}
	return nil
}

// Counters feeds Repository.Health.
func (s *Storage) Counters(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	for _, t := range []Tier{TierWorking, TierWarm, TierCold, TierFrozen} {
		n, err := s.CountByTier(ctx, t)
		if err != nil {
			return nil, err
		}
		out[string(t)] = n
	}
	return out, nil
}

// Ping validates substrate connectivity for Health.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return Database("storage.ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return Unavailable("storage.ping", err)
	}
	return nil
}

// recordWithScore shadows MemoryRecord's columns plus the query's computed
// `sim` projection so gorm can scan both in one pass.
type recordWithScore struct {
	MemoryRecord
	Sim float64
}

func (s *Storage) scanRecordRowsWithScore(rows *sql.Rows) ([]MemoryRecord, []float64, error) {
	var recs []MemoryRecord
	var scores []float64
	for rows.Next() {
		var rws recordWithScore
		if err := s.db.ScanRows(rows, &rws); err != nil {
			return nil, nil, Database("storage.scan_record_rows", err)
		}
		recs = append(recs, rws.MemoryRecord)
		scores = append(scores, rws.Sim)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, Database("storage.scan_record_rows", err)
	}
	return recs, scores, nil
}
