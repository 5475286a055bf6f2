package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/palacepal/palsync/pkg/core"
)

// RegionStore is the authoritative in-memory marker cache, one Floor per region.
// The store lock only guards the region map; each Floor carries its own lock so
// background loaders, the consolidating goroutine and the renderer never contend
// on a single global lock.
type RegionStore struct {
	mu     sync.RWMutex
	floors map[uint16]*Floor
}

// NewRegionStore creates an empty store.
func NewRegionStore() *RegionStore {
	return &RegionStore{
		floors: make(map[uint16]*Floor),
	}
}

// Get returns the floor for a region if it has been materialized.
func (s *RegionStore) Get(regionID uint16) (*Floor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.floors[regionID]
	return f, ok
}

// GetOrCreate returns the floor for a region, creating an empty one atomically
// if none exists yet.
func (s *RegionStore) GetOrCreate(regionID uint16) *Floor {
	if f, ok := s.Get(regionID); ok {
		return f
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.floors[regionID]; ok {
		return f
	}
	f := newFloor(regionID)
	s.floors[regionID] = f
	return f
}

// Loader reads the persisted markers of a region.
type Loader func(ctx context.Context, regionID uint16) ([]core.Marker, error)

// LoadOrCreate returns the floor for a region, seeding it from load if it is
// not materialized yet. Concurrent callers for the same region all receive
// the same floor; a loser's loaded markers are discarded.
func (s *RegionStore) LoadOrCreate(ctx context.Context, regionID uint16, load Loader) (*Floor, error) {
	if f, ok := s.Get(regionID); ok {
		return f, nil
	}

	markers, err := load(ctx, regionID)
	if err != nil {
		return nil, fmt.Errorf("loading region %d: %w", regionID, err)
	}
	f := newFloor(regionID)
	for _, m := range markers {
		f.Insert(m)
	}
	f.dirty.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.floors[regionID]; ok {
		return existing, nil
	}
	s.floors[regionID] = f
	return f, nil
}

// Replace installs markers as the full content of a region, typically after
// loading persisted state. Duplicates under the equality rule are collapsed.
func (s *RegionStore) Replace(regionID uint16, markers []core.Marker) *Floor {
	f := newFloor(regionID)
	for _, m := range markers {
		f.Insert(m)
	}
	f.dirty.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.floors[regionID] = f
	return f
}

// ClearAll drops every floor. Only the consolidating goroutine calls this.
func (s *RegionStore) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floors = make(map[uint16]*Floor)
}

// Regions returns the ids of all materialized regions in ascending order.
func (s *RegionStore) Regions() []uint16 {
	s.mu.RLock()
	ids := make([]uint16, 0, len(s.floors))
	for id := range s.floors {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// DirtyRegions returns the regions whose dirty flag was set and clears those flags.
func (s *RegionStore) DirtyRegions() []uint16 {
	var dirty []uint16
	for _, id := range s.Regions() {
		if f, ok := s.Get(id); ok && f.TakeDirty() {
			dirty = append(dirty, id)
		}
	}
	return dirty
}

// Len returns the number of materialized regions.
func (s *RegionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.floors)
}
