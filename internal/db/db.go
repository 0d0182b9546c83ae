package db

import (
	"context"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cognitive-memory-engine/internal/config"
	"cognitive-memory-engine/internal/engine"
)

var DB *gorm.DB

// Init opens the postgres connection and runs the engine's AutoMigrate,
// grounded on the teacher's db.go (gorm.Open + sequential AutoMigrate calls
// + package-level DB var), with the memory-model list replaced by the
// engine's own MemoryRecord/MigrationEvent/ConsolidationEvent/HarvestSession.
func Init(ctx context.Context, cfg *config.Config) (*engine.Storage, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.Engine.Storage.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	storageCfg := engine.StorageConfig{
		MaxConnections:          cfg.Engine.Storage.MaxConnections,
		MinConnections:          cfg.Engine.Storage.MinConnections,
		ConnectionTimeout:       cfg.Engine.Storage.ConnectionTimeout,
		StatementTimeoutGeneral: cfg.Engine.Storage.StatementTimeoutGeneral,
		StatementTimeoutVector:  cfg.Engine.Storage.StatementTimeoutVector,
	}
	storage, err := engine.NewStorage(gdb, storageCfg)
	if err != nil {
		return nil, err
	}
	if err := storage.AutoMigrate(ctx); err != nil {
		return nil, err
	}

	DB = gdb
	log.Println("[DB] database connected and migrated")
	return storage, nil
}
