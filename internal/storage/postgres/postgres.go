// Package postgres implements the storage.Backend interface on PostgreSQL by
// connecting lazily in Init and delegating to the GORM backend.
package postgres

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/database"
	gormstorage "github.com/palacepal/palsync/internal/storage/gorm"
)

// Dependencies holds all dependencies for the Postgres storage backend.
type Dependencies struct {
	// DB is used as-is when set; otherwise Init connects using Config.
	DB      *gorm.DB
	Config  config.DBConfig
	Manager *database.Manager
	Logger  *slog.Logger
}

// Backend implements storage.Backend on Postgres.
type Backend struct {
	*gormstorage.Backend
	deps Dependencies
}

// New creates a new Postgres storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{deps: deps}
}

// Init connects if no DB was injected, then runs schema migration.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		if b.deps.Manager == nil {
			return fmt.Errorf("no database manager configured")
		}
		db, err := b.deps.Manager.OpenPostgres(b.deps.Config)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.deps.DB = db
	}

	b.Backend = gormstorage.New(gormstorage.Dependencies{DB: b.deps.DB, Logger: b.deps.Logger})
	return b.Backend.Init()
}

// Close closes the connection if Init succeeded.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	return b.Backend.Close()
}
