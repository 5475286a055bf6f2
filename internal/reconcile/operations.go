package reconcile

import (
	"github.com/palacepal/palsync/internal/importer"
	"github.com/palacepal/palsync/pkg/core"
)

// Operation is a completed asynchronous result waiting to be applied on the
// consolidating goroutine. The set of operations is closed.
type Operation interface {
	operation() string
}

// DownloadResult carries the markers the remote service knows for a region.
type DownloadResult struct {
	RegionID uint16
	Success  bool
	Markers  []core.Marker
}

// UploadResult carries locally observed markers echoed back with their
// assigned network ids.
type UploadResult struct {
	RegionID uint16
	Success  bool
	Markers  []core.Marker
}

// MarkSeenResult acknowledges markers on behalf of AccountID.
type MarkSeenResult struct {
	RegionID  uint16
	Success   bool
	Markers   []core.Marker
	AccountID string
}

// ImportJob applies a decoded snapshot. Done, if set, receives the outcome on
// the consolidating goroutine.
type ImportJob struct {
	Snapshot *core.ExportSnapshot
	Done     func(importer.Result, error)
}

func (DownloadResult) operation() string { return "download" }
func (UploadResult) operation() string   { return "upload" }
func (MarkSeenResult) operation() string { return "mark_seen" }
func (ImportJob) operation() string      { return "import" }
