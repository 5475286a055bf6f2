package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SchemaVersion is bumped whenever the persisted marker layout changes.
// Version 2 stores remote acknowledgements as an account list.
const SchemaVersion = 2

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []any{
	&StoreInfo{},
	&Marker{},
	&ImportHistory{},
}

// StoreInfo records which schema the database was created with.
type StoreInfo struct {
	gorm.Model
	SchemaVersion int    `json:"schemaVersion"`
	Application   string `json:"application" gorm:"size:63"`
}

// Marker is a persisted marker of one region.
type Marker struct {
	ID           uint           `json:"id" gorm:"primarykey;autoIncrement"`
	RegionID     uint16         `json:"regionId" gorm:"index:idx_marker_region"`
	Kind         uint8          `json:"type"`
	Position     geom.Point     `json:"position"` // XYZ game coordinates as WKB
	Seen         bool           `json:"seen" gorm:"index:idx_marker_seen"`
	NetworkID    string         `json:"networkId" gorm:"size:64"`
	RemoteSeenOn datatypes.JSON `json:"remoteSeenOn"` // account ids
	Imports      datatypes.JSON `json:"imports"`      // import uuids
	WasImported  bool           `json:"wasImported"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ImportHistory is one applied import snapshot.
type ImportHistory struct {
	ID         string    `json:"id" gorm:"primarykey;size:36"`
	SourceURL  string    `json:"sourceUrl" gorm:"size:255;index:idx_import_source"`
	ExportedAt time.Time `json:"exportedAt"`
	ImportedAt time.Time `json:"importedAt"`
}

func (ImportHistory) TableName() string {
	return "import_history"
}

func (StoreInfo) TableName() string {
	return "store_infos"
}

func (Marker) TableName() string {
	return "markers"
}
