// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/palacepal/palsync/internal/geo"
	"github.com/palacepal/palsync/internal/model"
	"github.com/palacepal/palsync/pkg/core"
)

// toJSON marshals a slice for a JSON column, storing nil as an empty array.
func toJSON[T any](items []T) datatypes.JSON {
	if len(items) == 0 {
		return datatypes.JSON("[]")
	}
	data, _ := json.Marshal(items)
	return datatypes.JSON(data)
}

// CoreToMarker converts a core.Marker of a region to a GORM model.Marker.
func CoreToMarker(regionID uint16, m core.Marker) model.Marker {
	return model.Marker{
		RegionID:     regionID,
		Kind:         uint8(m.Kind),
		Position:     geo.PointFromPosition(m.Position),
		Seen:         m.Seen,
		NetworkID:    m.NetworkID,
		RemoteSeenOn: toJSON(m.RemoteSeenOn),
		Imports:      toJSON(m.Imports),
		WasImported:  m.WasImported,
	}
}

// MarkerToCore converts a GORM model.Marker back to a core.Marker.
func MarkerToCore(m model.Marker) (core.Marker, error) {
	pos, err := geo.PositionFromPoint(m.Position)
	if err != nil {
		return core.Marker{}, fmt.Errorf("marker %d: %w", m.ID, err)
	}

	out := core.NewMarker(core.Kind(m.Kind), pos)
	out.Seen = m.Seen
	out.NetworkID = m.NetworkID
	out.WasImported = m.WasImported

	if len(m.RemoteSeenOn) > 0 {
		if err := json.Unmarshal(m.RemoteSeenOn, &out.RemoteSeenOn); err != nil {
			return core.Marker{}, fmt.Errorf("marker %d acknowledgements: %w", m.ID, err)
		}
	}
	if len(m.Imports) > 0 {
		if err := json.Unmarshal(m.Imports, &out.Imports); err != nil {
			return core.Marker{}, fmt.Errorf("marker %d imports: %w", m.ID, err)
		}
	}
	if len(out.RemoteSeenOn) == 0 {
		out.RemoteSeenOn = nil
	}
	if len(out.Imports) == 0 {
		out.Imports = nil
	}
	return out, nil
}

// CoreToImportHistory converts a history entry to its GORM model.
func CoreToImportHistory(e core.ImportHistoryEntry) model.ImportHistory {
	return model.ImportHistory{
		ID:         e.ID.String(),
		SourceURL:  e.SourceURL,
		ExportedAt: e.ExportedAt,
		ImportedAt: e.ImportedAt,
	}
}

// ImportHistoryToCore converts a GORM history row back to a core entry.
func ImportHistoryToCore(h model.ImportHistory) (core.ImportHistoryEntry, error) {
	id, err := uuid.Parse(h.ID)
	if err != nil {
		return core.ImportHistoryEntry{}, fmt.Errorf("import history id %q: %w", h.ID, err)
	}
	return core.ImportHistoryEntry{
		ID:         id,
		SourceURL:  h.SourceURL,
		ExportedAt: h.ExportedAt,
		ImportedAt: h.ImportedAt,
	}, nil
}
