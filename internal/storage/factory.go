package storage

import (
	"fmt"
	"log/slog"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/database"
	"github.com/palacepal/palsync/internal/storage/file"
	"github.com/palacepal/palsync/internal/storage/memory"
	"github.com/palacepal/palsync/internal/storage/postgres"
	sqlitestorage "github.com/palacepal/palsync/internal/storage/sqlite"
)

// NewBackend creates a storage backend based on configuration.
// The returned backend still needs Init.
func NewBackend(cfg config.StorageConfig, manager *database.Manager, logger *slog.Logger) (Backend, error) {
	switch cfg.Type {
	case "file", "":
		return file.New(cfg.File, logger), nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite, manager, logger)
	case "postgres":
		return postgres.New(postgres.Dependencies{
			Config:  cfg.DB,
			Manager: manager,
			Logger:  logger,
		}), nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
