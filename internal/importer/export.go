package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/palacepal/palsync/pkg/core"
)

// Source enumerates persisted regions.
type Source interface {
	Regions(ctx context.Context) ([]uint16, error)
	LoadRegion(ctx context.Context, regionID uint16) ([]core.Marker, error)
}

// ExportOptions controls which markers are exported.
type ExportOptions struct {
	SourceURL string
	// MinAcknowledgements is the number of accounts that must have seen a
	// marker before it is exported. Zero exports every permanent marker.
	MinAcknowledgements int
}

// Export builds a snapshot of the permanent markers held by src.
// Regions without qualifying markers are omitted.
func Export(ctx context.Context, src Source, opts ExportOptions) (*core.ExportSnapshot, error) {
	if opts.SourceURL == "" {
		return nil, ErrUnknownSource
	}

	regions, err := src.Regions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}

	snap := &core.ExportSnapshot{
		FormatVersion: core.ExportVersion,
		ExportID:      uuid.NewString(),
		SourceURL:     opts.SourceURL,
		CreatedAt:     time.Now().UTC(),
	}
	for _, id := range regions {
		markers, err := src.LoadRegion(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading region %d: %w", id, err)
		}

		floor := core.ExportFloor{RegionID: id}
		for _, m := range markers {
			if !m.Kind.Permanent() || len(m.RemoteSeenOn) < opts.MinAcknowledgements {
				continue
			}
			floor.Objects = append(floor.Objects, core.ExportObject{
				Kind: m.Kind,
				X:    m.Position.X,
				Y:    m.Position.Y,
				Z:    m.Position.Z,
			})
		}
		if len(floor.Objects) > 0 {
			snap.Floors = append(snap.Floors, floor)
		}
	}
	return snap, nil
}
