package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/palacepal/palsync/pkg/core"
)

// Backend keeps regions and import history in process memory. Nothing
// survives a restart; it backs tests and throwaway sessions.
type Backend struct {
	mu      sync.RWMutex
	regions map[uint16][]core.Marker
	history []core.ImportHistoryEntry
}

// New creates a new memory backend
func New() *Backend {
	return &Backend{
		regions: make(map[uint16][]core.Marker),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

func cloneMarkers(in []core.Marker) []core.Marker {
	out := make([]core.Marker, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Regions lists stored regions in ascending order.
func (b *Backend) Regions(ctx context.Context) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.regions)), nil
}

// LoadRegion returns a copy of the stored markers of a region.
func (b *Backend) LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return cloneMarkers(b.regions[regionID]), nil
}

// SaveRegion replaces the stored markers of a region.
func (b *Backend) SaveRegion(ctx context.Context, regionID uint16, markers []core.Marker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regions[regionID] = cloneMarkers(markers)
	return nil
}

// PurgeUnseen drops unseen markers from every region.
func (b *Backend) PurgeUnseen(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, markers := range b.regions {
		b.regions[id] = slices.DeleteFunc(markers, func(m core.Marker) bool { return !m.Seen })
	}
	return nil
}

// ImportHistory returns a copy of the import history.
func (b *Backend) ImportHistory(ctx context.Context) ([]core.ImportHistoryEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.history), nil
}

// ReplaceImportHistory overwrites the import history.
func (b *Backend) ReplaceImportHistory(ctx context.Context, entries []core.ImportHistoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = slices.Clone(entries)
	return nil
}
