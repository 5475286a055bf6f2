package cache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/palacepal/palsync/pkg/core"
)

// entry pairs an immutable identity with its mutable status record.
type entry struct {
	key    core.MarkerKey
	status core.MarkerStatus
}

// Floor is the marker collection of a single region.
type Floor struct {
	id      uint16
	mu      sync.RWMutex
	entries []*entry
	dirty   atomic.Bool
}

func newFloor(id uint16) *Floor {
	return &Floor{id: id}
}

// ID returns the region id.
func (f *Floor) ID() uint16 {
	return f.id
}

// find returns the first entry matching key. Caller holds f.mu.
func (f *Floor) find(key core.MarkerKey) *entry {
	for _, e := range f.entries {
		if e.key.Matches(key) {
			return e
		}
	}
	return nil
}

// Find returns a copy of the stored marker matching key.
func (f *Floor) Find(key core.MarkerKey) (core.Marker, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if e := f.find(key); e != nil {
		return core.Marker{MarkerKey: e.key, MarkerStatus: e.status.Clone()}, true
	}
	return core.Marker{}, false
}

// Insert adds m unless a matching marker is already stored.
// Returns true if the marker was added.
func (f *Floor) Insert(m core.Marker) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(m.MarkerKey) != nil {
		return false
	}
	f.entries = append(f.entries, &entry{key: m.MarkerKey, status: m.MarkerStatus.Clone()})
	f.dirty.Store(true)
	return true
}

// Update runs fn on the status of the marker matching key. fn reports whether
// it changed anything; changes mark the floor dirty. Returns false if no
// marker matched.
func (f *Floor) Update(key core.MarkerKey, fn func(*core.MarkerStatus) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.find(key)
	if e == nil {
		return false
	}
	if fn(&e.status) {
		f.dirty.Store(true)
	}
	return true
}

// StripImports removes the given import ids from every marker on the floor
// and returns the number of markers that lost at least one tag.
func (f *Floor) StripImports(ids []uuid.UUID) int {
	if len(ids) == 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	changed := 0
	for _, e := range f.entries {
		if e.status.RemoveImports(ids) > 0 {
			changed++
		}
	}
	if changed > 0 {
		f.dirty.Store(true)
	}
	return changed
}

// Prune removes every marker for which keep returns false and returns the
// number removed.
func (f *Floor) Prune(keep func(core.Marker) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entries[:0]
	for _, e := range f.entries {
		if keep(core.Marker{MarkerKey: e.key, MarkerStatus: e.status}) {
			kept = append(kept, e)
		}
	}
	removed := len(f.entries) - len(kept)
	for i := len(kept); i < len(f.entries); i++ {
		f.entries[i] = nil
	}
	f.entries = kept
	if removed > 0 {
		f.dirty.Store(true)
	}
	return removed
}

// Markers returns a deep copy of all markers on the floor.
func (f *Floor) Markers() []core.Marker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.Marker, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, core.Marker{MarkerKey: e.key, MarkerStatus: e.status.Clone()})
	}
	return out
}

// Len returns the number of markers on the floor.
func (f *Floor) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// MarkDirty flags the floor for persistence.
func (f *Floor) MarkDirty() {
	f.dirty.Store(true)
}

// TakeDirty clears the dirty flag and reports whether it was set.
func (f *Floor) TakeDirty() bool {
	return f.dirty.Swap(false)
}
