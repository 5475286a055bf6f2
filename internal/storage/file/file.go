// Package file stores each region as a JSON document (optionally gzipped)
// in a single directory, next to an import history document.
package file

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/pkg/core"
)

const historyFile = "import_history.json"

// record is the on-disk form of a marker. Files written before acknowledgements
// were tracked per account carry a single remoteSeen flag instead.
type record struct {
	core.Marker
	LegacyRemoteSeen bool `json:"remoteSeen,omitempty"`
}

// Backend stores regions as files under cfg.Dir.
type Backend struct {
	cfg    config.FileConfig
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a file backend.
func New(cfg config.FileConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Init creates the data directory.
func (b *Backend) Init() error {
	if err := os.MkdirAll(b.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Close is a no-op; every write is flushed immediately.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) ext() string {
	if b.cfg.Compress {
		return ".json.gz"
	}
	return ".json"
}

func (b *Backend) regionPath(regionID uint16) string {
	return filepath.Join(b.cfg.Dir, strconv.Itoa(int(regionID))+b.ext())
}

// Regions lists regions that have a file in the data directory.
func (b *Backend) Regions(ctx context.Context) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regions()
}

func (b *Backend) regions() ([]uint16, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ids []uint16
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), b.ext())
		if e.IsDir() || !ok {
			continue
		}
		id, err := strconv.ParseUint(name, 10, 16)
		if err != nil {
			continue
		}
		ids = append(ids, uint16(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// LoadRegion reads a region file. A missing file is an empty region.
func (b *Backend) LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(regionID)
}

func (b *Backend) load(regionID uint16) ([]core.Marker, error) {
	var records []record
	if err := b.readJSON(b.regionPath(regionID), &records); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading region %d: %w", regionID, err)
	}

	markers := make([]core.Marker, 0, len(records))
	for _, r := range records {
		m := r.Marker
		if r.LegacyRemoteSeen && len(m.RemoteSeenOn) == 0 {
			m.AddRemoteSeen(core.LegacyAccount)
		}
		markers = append(markers, m)
	}
	return markers, nil
}

// SaveRegion replaces the region file with markers.
func (b *Backend) SaveRegion(ctx context.Context, regionID uint16, markers []core.Marker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.save(regionID, markers)
}

func (b *Backend) save(regionID uint16, markers []core.Marker) error {
	records := make([]record, 0, len(markers))
	for _, m := range markers {
		records = append(records, record{Marker: m})
	}
	if err := b.writeJSON(b.regionPath(regionID), records); err != nil {
		return fmt.Errorf("writing region %d: %w", regionID, err)
	}
	return nil
}

// PurgeUnseen rewrites every region file keeping only seen markers.
func (b *Backend) PurgeUnseen(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, err := b.regions()
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		markers, err := b.load(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen := slices.DeleteFunc(markers, func(m core.Marker) bool { return !m.Seen })
		if err := b.save(id, seen); err != nil {
			errs = append(errs, err)
		}
	}
	b.logger.Debug("Purged unseen markers", "regions", len(ids))
	return errors.Join(errs...)
}

// ImportHistory reads the import history document.
func (b *Backend) ImportHistory(ctx context.Context) ([]core.ImportHistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []core.ImportHistoryEntry
	err := readPlain(filepath.Join(b.cfg.Dir, historyFile), &entries)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading import history: %w", err)
	}
	return entries, nil
}

// ReplaceImportHistory overwrites the import history document.
func (b *Backend) ReplaceImportHistory(ctx context.Context, entries []core.ImportHistoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entries == nil {
		entries = []core.ImportHistoryEntry{}
	}
	return writeAtomic(filepath.Join(b.cfg.Dir, historyFile), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(entries)
	})
}

func (b *Backend) readJSON(path string, v any) error {
	if !b.cfg.Compress {
		return readPlain(path, v)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	return json.NewDecoder(gz).Decode(v)
}

func (b *Backend) writeJSON(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error {
		if !b.cfg.Compress {
			return json.NewEncoder(w).Encode(v)
		}
		gz := gzip.NewWriter(w)
		if err := json.NewEncoder(gz).Encode(v); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	})
}

func readPlain(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeAtomic writes through a temporary file so a crash never leaves a
// truncated region behind.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
