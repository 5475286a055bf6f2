package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacepal/palsync/internal/config"
	"github.com/palacepal/palsync/pkg/core"
)

func newBackend(t *testing.T, compress bool) *Backend {
	t.Helper()
	b := New(config.FileConfig{Dir: filepath.Join(t.TempDir(), "data"), Compress: compress}, nil)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func sampleMarkers() []core.Marker {
	seen := core.NewMarker(core.KindTrap, core.Position3D{X: 1, Y: 2, Z: 3})
	seen.Seen = true
	seen.NetworkID = "abc"
	seen.RemoteSeenOn = []string{"acc-1"}

	imported := core.NewMarker(core.KindHoard, core.Position3D{X: 10})
	imported.WasImported = true
	imported.Imports = []uuid.UUID{uuid.New()}
	return []core.Marker{seen, imported}
}

func TestBackend_SaveLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		b := newBackend(t, compress)
		ctx := context.Background()
		want := sampleMarkers()

		require.NoError(t, b.SaveRegion(ctx, 561, want))
		got, err := b.LoadRegion(ctx, 561)
		require.NoError(t, err)
		assert.Equal(t, want, got, "compress=%v", compress)
	}
}

func TestBackend_LoadMissingRegion(t *testing.T) {
	b := newBackend(t, false)

	got, err := b.LoadRegion(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBackend_LoadCorruptRegion(t *testing.T) {
	b := newBackend(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(b.cfg.Dir, "4.json"), []byte("{"), 0644))

	_, err := b.LoadRegion(context.Background(), 4)
	assert.Error(t, err)
}

func TestBackend_LegacyRemoteSeen(t *testing.T) {
	b := newBackend(t, false)
	legacy := `[{"type":1,"position":{"x":1,"y":2,"z":3},"seen":true,"remoteSeen":true}]`
	require.NoError(t, os.WriteFile(filepath.Join(b.cfg.Dir, "7.json"), []byte(legacy), 0644))

	got, err := b.LoadRegion(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{core.LegacyAccount}, got[0].RemoteSeenOn)

	// Saving drops the legacy flag in favour of the account list.
	require.NoError(t, b.SaveRegion(context.Background(), 7, got))
	data, err := os.ReadFile(filepath.Join(b.cfg.Dir, "7.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"remoteSeen":`)
}

func TestBackend_Regions(t *testing.T) {
	b := newBackend(t, false)
	ctx := context.Background()
	for _, id := range []uint16{300, 12, 561} {
		require.NoError(t, b.SaveRegion(ctx, id, nil))
	}
	require.NoError(t, os.WriteFile(filepath.Join(b.cfg.Dir, "notes.json"), []byte("[]"), 0644))

	ids, err := b.Regions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint16{12, 300, 561}, ids)
}

func TestBackend_PurgeUnseen(t *testing.T) {
	b := newBackend(t, true)
	ctx := context.Background()
	require.NoError(t, b.SaveRegion(ctx, 1, sampleMarkers()))
	require.NoError(t, b.SaveRegion(ctx, 2, sampleMarkers()[1:]))

	require.NoError(t, b.PurgeUnseen(ctx))

	got, err := b.LoadRegion(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Seen)

	got, err = b.LoadRegion(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBackend_ImportHistory(t *testing.T) {
	b := newBackend(t, false)
	ctx := context.Background()

	got, err := b.ImportHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	entries := []core.ImportHistoryEntry{{
		ID:         uuid.New(),
		SourceURL:  "http://x",
		ExportedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ImportedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}}
	require.NoError(t, b.ReplaceImportHistory(ctx, entries))

	got, err = b.ImportHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	require.NoError(t, b.ReplaceImportHistory(ctx, nil))
	got, err = b.ImportHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
