// Package gormstorage implements the storage.Backend interface on top of GORM.
// The SQLite and Postgres backends embed it and only add connection handling.
package gormstorage

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/palacepal/palsync/internal/model"
	"github.com/palacepal/palsync/internal/model/convert"
	"github.com/palacepal/palsync/pkg/core"
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

// Backend implements storage.Backend using GORM.
type Backend struct {
	deps Dependencies
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{deps: deps}
}

// DB exposes the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return fmt.Errorf("no database connection")
	}
	if err := b.setupDB(); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}
	return nil
}

// setupDB migrates tables and records the schema version on first use.
func (b *Backend) setupDB() error {
	db := b.deps.DB
	log := b.deps.Logger

	log.Info("Migrating schema", "dialect", db.Dialector.Name())
	if err := db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	var info model.StoreInfo
	err := db.Order("id DESC").Limit(1).Find(&info).Error
	if err != nil {
		return fmt.Errorf("failed to read store info: %w", err)
	}
	if info.ID == 0 {
		if err := db.Create(&model.StoreInfo{SchemaVersion: model.SchemaVersion, Application: "palsync"}).Error; err != nil {
			return fmt.Errorf("failed to create store info: %w", err)
		}
	} else if info.SchemaVersion != model.SchemaVersion {
		log.Warn("Database schema version differs", "stored", info.SchemaVersion, "expected", model.SchemaVersion)
	}

	log.Info("Database setup complete")
	return nil
}

// Close closes the underlying connection.
func (b *Backend) Close() error {
	if b.deps.DB == nil {
		return nil
	}
	sqlDB, err := b.deps.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Regions lists regions that have at least one stored marker.
func (b *Backend) Regions(ctx context.Context) ([]uint16, error) {
	var ids []uint16
	err := b.deps.DB.WithContext(ctx).
		Model(&model.Marker{}).
		Distinct("region_id").
		Order("region_id").
		Pluck("region_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}
	return ids, nil
}

// LoadRegion reads every marker stored for a region.
func (b *Backend) LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error) {
	var rows []model.Marker
	if err := b.deps.DB.WithContext(ctx).Where("region_id = ?", regionID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading region %d: %w", regionID, err)
	}

	markers := make([]core.Marker, 0, len(rows))
	for _, r := range rows {
		m, err := convert.MarkerToCore(r)
		if err != nil {
			return nil, fmt.Errorf("loading region %d: %w", regionID, err)
		}
		markers = append(markers, m)
	}
	return markers, nil
}

// SaveRegion replaces the stored markers of a region in one transaction.
func (b *Backend) SaveRegion(ctx context.Context, regionID uint16, markers []core.Marker) error {
	return b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("region_id = ?", regionID).Delete(&model.Marker{}).Error; err != nil {
			return fmt.Errorf("clearing region %d: %w", regionID, err)
		}
		if len(markers) == 0 {
			return nil
		}

		rows := make([]model.Marker, 0, len(markers))
		for _, m := range markers {
			rows = append(rows, convert.CoreToMarker(regionID, m))
		}
		if err := tx.CreateInBatches(rows, 500).Error; err != nil {
			return fmt.Errorf("saving region %d: %w", regionID, err)
		}
		return nil
	})
}

// PurgeUnseen deletes every marker that was not observed locally.
func (b *Backend) PurgeUnseen(ctx context.Context) error {
	res := b.deps.DB.WithContext(ctx).Where("seen = ?", false).Delete(&model.Marker{})
	if res.Error != nil {
		return fmt.Errorf("purging unseen markers: %w", res.Error)
	}
	b.deps.Logger.Debug("Purged unseen markers", "rows", res.RowsAffected)
	return nil
}

// ImportHistory returns the import history ordered by import time.
func (b *Backend) ImportHistory(ctx context.Context) ([]core.ImportHistoryEntry, error) {
	var rows []model.ImportHistory
	if err := b.deps.DB.WithContext(ctx).Order("imported_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading import history: %w", err)
	}

	entries := make([]core.ImportHistoryEntry, 0, len(rows))
	for _, r := range rows {
		e, err := convert.ImportHistoryToCore(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReplaceImportHistory overwrites the import history in one transaction.
func (b *Backend) ReplaceImportHistory(ctx context.Context, entries []core.ImportHistoryEntry) error {
	return b.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.ImportHistory{}).Error; err != nil {
			return fmt.Errorf("clearing import history: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		rows := make([]model.ImportHistory, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, convert.CoreToImportHistory(e))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("saving import history: %w", err)
		}
		return nil
	})
}
