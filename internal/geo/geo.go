package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/palacepal/palsync/pkg/core"
)

// Positions are stored as XYZ points in WKB so both SQLite (no spatial
// extension) and Postgres can round-trip them through the geom Scan/Value
// implementations. Game coordinates are used as-is; there is no projection.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// PointFromPosition converts a game position into an XYZ point.
func PointFromPosition(p core.Position3D) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: p.X, Y: p.Y},
		Z:    p.Z,
		Type: geom.DimXYZ,
	})
}

// PositionFromPoint converts a stored point back into a game position.
// Points without a Z component get Z=0.
func PositionFromPoint(pt geom.Point) (core.Position3D, error) {
	c, ok := pt.Coordinates()
	if !ok {
		return core.Position3D{}, ErrInvalidCoordinates
	}
	return core.Position3D{X: c.X, Y: c.Y, Z: c.Z}, nil
}

// ParsePosition parses an "x,y" or "x,y,z" string into a game position.
func ParsePosition(coords string) (core.Position3D, error) {
	parts := strings.Split(coords, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return core.Position3D{}, ErrInvalidCoordinates
	}

	var vals [3]float64
	for i, s := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return core.Position3D{}, ErrInvalidCoordinates
		}
		vals[i] = v
	}
	return core.Position3D{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}
