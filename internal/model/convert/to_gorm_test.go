package convert

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/palacepal/palsync/internal/model"
	"github.com/palacepal/palsync/pkg/core"
)

func TestCoreToMarker(t *testing.T) {
	id := uuid.New()
	m := core.NewMarker(core.KindHoard, core.Position3D{X: 100.5, Y: 200.5, Z: 50})
	m.Seen = true
	m.NetworkID = "net-1"
	m.RemoteSeenOn = []string{"acc"}
	m.Imports = []uuid.UUID{id}

	gm := CoreToMarker(42, m)

	assert.Equal(t, uint16(42), gm.RegionID)
	assert.Equal(t, uint8(core.KindHoard), gm.Kind)
	assert.True(t, gm.Seen)
	assert.Equal(t, "net-1", gm.NetworkID)
	assert.JSONEq(t, `["acc"]`, string(gm.RemoteSeenOn))
	assert.JSONEq(t, `["`+id.String()+`"]`, string(gm.Imports))

	coord, ok := gm.Position.Coordinates()
	require.True(t, ok)
	assert.Equal(t, 100.5, coord.XY.X)
	assert.Equal(t, 200.5, coord.XY.Y)
	assert.Equal(t, 50.0, coord.Z)
}

func TestCoreToMarker_EmptySets(t *testing.T) {
	gm := CoreToMarker(1, core.NewMarker(core.KindTrap, core.Position3D{}))
	assert.Equal(t, datatypes.JSON("[]"), gm.RemoteSeenOn)
	assert.Equal(t, datatypes.JSON("[]"), gm.Imports)
}

// Round-trip: Core → GORM → Core
func TestMarkerRoundTrip(t *testing.T) {
	m := core.NewMarker(core.KindTrap, core.Position3D{X: 1, Y: 2, Z: 3})
	m.WasImported = true
	m.Imports = []uuid.UUID{uuid.New(), uuid.New()}

	got, err := MarkerToCore(CoreToMarker(5, m))
	require.NoError(t, err)
	assert.Equal(t, m, got)

	plain := core.NewMarker(core.KindHoard, core.Position3D{X: 9})
	got, err = MarkerToCore(CoreToMarker(5, plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got, "empty sets come back as nil")
}

func TestMarkerToCore_BadJSON(t *testing.T) {
	gm := CoreToMarker(1, core.NewMarker(core.KindTrap, core.Position3D{}))
	gm.Imports = datatypes.JSON("{")

	_, err := MarkerToCore(gm)
	assert.Error(t, err)
}

func TestImportHistoryRoundTrip(t *testing.T) {
	e := core.ImportHistoryEntry{
		ID:         uuid.New(),
		SourceURL:  "http://x",
		ExportedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ImportedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	got, err := ImportHistoryToCore(CoreToImportHistory(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = ImportHistoryToCore(model.ImportHistory{ID: "nope"})
	assert.Error(t, err)
}
