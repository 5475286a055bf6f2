// Package sqlitestorage implements the storage.Backend interface using SQLite.
// It wraps the GORM backend via composition; the only SQLite-specific concerns
// are opening the database (file or in-memory) and, for in-memory databases,
// the periodic disk dump via VACUUM INTO.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/internal/database"
	gormstorage "github.com/palacepal/palsync/internal/storage/gorm"
)

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db       *gorm.DB
	cfg      config.SQLiteConfig
	manager  *database.Manager
	log      *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the SQLite database described by cfg.
func New(cfg config.SQLiteConfig, manager *database.Manager, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := manager.OpenSqlite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
	}

	return &Backend{
		Backend:  gormstorage.New(gormstorage.Dependencies{DB: db, Logger: logger}),
		db:       db,
		cfg:      cfg,
		manager:  manager,
		log:      logger,
		stopChan: make(chan struct{}),
	}, nil
}

func (b *Backend) inMemory() bool {
	return b.cfg.Path == ""
}

// Init initializes the embedded GORM backend and starts the dump goroutine
// for in-memory databases.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.inMemory() && b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}

	return nil
}

// Close stops the dump goroutine, writes a final dump for in-memory databases
// and closes the embedded GORM backend.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()

	if b.inMemory() && b.cfg.DumpPath != "" {
		if err := b.manager.DumpToDisk(b.db, b.cfg.DumpPath); err != nil {
			b.log.Error("Final dump failed", "path", b.cfg.DumpPath, "error", err)
		}
	}
	return b.Backend.Close()
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.manager.DumpToDisk(b.db, b.cfg.DumpPath); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			} else {
				b.log.Debug("Dumped to disk", "duration", time.Since(start))
			}
		}
	}
}
