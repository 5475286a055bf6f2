package core

import (
	"time"

	"github.com/google/uuid"
)

// ExportVersion is the only snapshot format version this build accepts.
const ExportVersion = 1

// ExportSnapshot is a versioned bulk export of markers, grouped by region.
type ExportSnapshot struct {
	FormatVersion int           `json:"formatVersion"`
	ExportID      string        `json:"exportId"`
	SourceURL     string        `json:"sourceUrl"`
	CreatedAt     time.Time     `json:"createdAt"`
	Floors        []ExportFloor `json:"floors"`
}

// ExportFloor holds the exported markers of one region.
type ExportFloor struct {
	RegionID uint16         `json:"regionId"`
	Objects  []ExportObject `json:"objects"`
}

// ExportObject is a single exported marker position.
type ExportObject struct {
	Kind Kind    `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

// Key returns the marker identity described by the object.
func (o ExportObject) Key() MarkerKey {
	return MarkerKey{Kind: o.Kind, Position: Position3D{X: o.X, Y: o.Y, Z: o.Z}}
}

// ImportHistoryEntry records one applied import.
type ImportHistoryEntry struct {
	ID         uuid.UUID `json:"id"`
	SourceURL  string    `json:"sourceUrl"`
	ExportedAt time.Time `json:"exportedAt"`
	ImportedAt time.Time `json:"importedAt"`
}

// FloorStatistics is the per-region summary returned by the remote service.
type FloorStatistics struct {
	RegionID   uint16 `json:"regionId"`
	TrapCount  uint32 `json:"trapCount"`
	HoardCount uint32 `json:"hoardCount"`
}
