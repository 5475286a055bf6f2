// Package importer applies versioned bulk snapshots to the region store and
// builds snapshots from stored markers.
package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/palacepal/palsync/internal/cache"
	"github.com/palacepal/palsync/pkg/core"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible version")
	ErrMissingExportID     = errors.New("no id present")
	ErrUnknownSource       = errors.New("unknown server")
)

// History stores the log of applied imports.
type History interface {
	ImportHistory(ctx context.Context) ([]core.ImportHistoryEntry, error)
	ReplaceImportHistory(ctx context.Context, entries []core.ImportHistoryEntry) error
}

// Result summarizes an applied import.
type Result struct {
	ExportID   uuid.UUID
	Regions    []uint16
	Imported   map[core.Kind]int
	Superseded []uuid.UUID
	Removed    int
}

// Translator applies snapshots to a region store.
type Translator struct {
	store   *cache.RegionStore
	load    cache.Loader
	history History
	now     func() time.Time
}

// NewTranslator creates a translator. load seeds regions that are not in
// memory yet so an import never overwrites persisted markers.
func NewTranslator(store *cache.RegionStore, load cache.Loader, history History) *Translator {
	return &Translator{
		store:   store,
		load:    load,
		history: history,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Validate checks the snapshot header and returns its parsed id.
func Validate(snap *core.ExportSnapshot) (uuid.UUID, error) {
	if snap.FormatVersion != core.ExportVersion {
		return uuid.Nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.FormatVersion, core.ExportVersion)
	}
	id, err := uuid.Parse(snap.ExportID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrMissingExportID
	}
	if snap.SourceURL == "" {
		return uuid.Nil, ErrUnknownSource
	}
	return id, nil
}

// Apply imports snap. Nothing is mutated unless validation, region loading
// and the history commit all succeed.
func (t *Translator) Apply(ctx context.Context, snap *core.ExportSnapshot) (Result, error) {
	id, err := Validate(snap)
	if err != nil {
		return Result{}, err
	}

	history, err := t.history.ImportHistory(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading import history: %w", err)
	}

	var superseded []uuid.UUID
	for _, h := range history {
		if h.SourceURL == snap.SourceURL && h.ID != uuid.Nil {
			superseded = append(superseded, h.ID)
		}
	}

	floors := make([]*cache.Floor, 0, len(snap.Floors))
	for _, ef := range snap.Floors {
		f, err := t.store.LoadOrCreate(ctx, ef.RegionID, t.load)
		if err != nil {
			return Result{}, err
		}
		floors = append(floors, f)
	}

	next := slices.DeleteFunc(slices.Clone(history), func(h core.ImportHistoryEntry) bool {
		return h.ID == id || slices.Contains(superseded, h.ID)
	})
	next = append(next, core.ImportHistoryEntry{
		ID:         id,
		SourceURL:  snap.SourceURL,
		ExportedAt: snap.CreatedAt,
		ImportedAt: t.now(),
	})
	if err := t.history.ReplaceImportHistory(ctx, next); err != nil {
		return Result{}, fmt.Errorf("saving import history: %w", err)
	}

	res := Result{
		ExportID:   id,
		Imported:   make(map[core.Kind]int),
		Superseded: superseded,
	}
	for i, ef := range snap.Floors {
		f := floors[i]
		f.StripImports(superseded)

		for _, obj := range ef.Objects {
			key := obj.Key()
			if !key.Kind.Permanent() {
				continue
			}
			tagged := f.Update(key, func(s *core.MarkerStatus) bool {
				return s.AddImport(id)
			})
			if tagged {
				continue
			}

			m := core.Marker{MarkerKey: key}
			m.WasImported = true
			m.AddImport(id)
			if f.Insert(m) {
				res.Imported[key.Kind]++
			}
		}

		res.Removed += f.Prune(core.Marker.Justified)
		f.MarkDirty()
		if !slices.Contains(res.Regions, ef.RegionID) {
			res.Regions = append(res.Regions, ef.RegionID)
		}
	}
	return res, nil
}
