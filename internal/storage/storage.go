package storage

import (
	"context"

	"github.com/palacepal/palsync/pkg/core"
)

// Backend is the interface all storage implementations must satisfy.
// Markers are always written per region as a whole; the caller decides which
// markers are worth keeping.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Region markers
	Regions(ctx context.Context) ([]uint16, error)
	LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error)
	SaveRegion(ctx context.Context, regionID uint16, markers []core.Marker) error
	// PurgeUnseen drops every marker that was not observed locally, across
	// all regions. Used when switching to offline mode.
	PurgeUnseen(ctx context.Context) error

	// Import history
	ImportHistory(ctx context.Context) ([]core.ImportHistoryEntry, error)
	ReplaceImportHistory(ctx context.Context, entries []core.ImportHistoryEntry) error
}
