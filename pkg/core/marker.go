package core

import (
	"slices"

	"github.com/google/uuid"
)

// MatchTolerance is the largest distance (in game units) at which two markers
// of the same kind are considered the same physical object.
const MatchTolerance = 0.5

// LegacyAccount is the acknowledger recorded for markers persisted with the
// old single-flag remote-seen format.
const LegacyAccount = "legacy"

// Kind identifies the type of a marker.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTrap
	KindHoard
	KindSilverCoffer
)

// String returns the lowercase name used in logs and snapshot files.
func (k Kind) String() string {
	switch k {
	case KindTrap:
		return "trap"
	case KindHoard:
		return "hoard"
	case KindSilverCoffer:
		return "silver_coffer"
	default:
		return "unknown"
	}
}

// ParseKind converts the string form back into a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "trap":
		return KindTrap
	case "hoard":
		return KindHoard
	case "silver_coffer":
		return KindSilverCoffer
	default:
		return KindUnknown
	}
}

// Permanent reports whether markers of this kind are stored per region and
// synchronized. Silver coffers only exist while they are visible.
func (k Kind) Permanent() bool {
	return k == KindTrap || k == KindHoard
}

// Position3D is a position in game world coordinates.
type Position3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceSquared returns the squared euclidean distance between p and o.
func (p Position3D) DistanceSquared(o Position3D) float64 {
	dx := p.X - o.X
	dy := p.Y - o.Y
	dz := p.Z - o.Z
	return dx*dx + dy*dy + dz*dz
}

// MarkerKey is the immutable identity of a marker.
type MarkerKey struct {
	Kind     Kind       `json:"type"`
	Position Position3D `json:"position"`
}

// Matches is the equality rule used for every lookup and deduplication.
// It is commutative but not transitive; callers stop at the first match.
func (k MarkerKey) Matches(o MarkerKey) bool {
	return k.Kind == o.Kind && k.Position.DistanceSquared(o.Position) <= MatchTolerance*MatchTolerance
}

// MarkerStatus is the mutable part of a marker.
type MarkerStatus struct {
	Seen         bool        `json:"seen"`
	RemoteSeenOn []string    `json:"remoteSeenOn,omitempty"`
	NetworkID    string      `json:"networkId,omitempty"`
	Imports      []uuid.UUID `json:"imports,omitempty"`
	WasImported  bool        `json:"wasImported,omitempty"`
}

// RemoteSeen reports whether any account has acknowledged the marker.
func (s MarkerStatus) RemoteSeen() bool {
	return len(s.RemoteSeenOn) > 0
}

// RemoteSeenBy reports whether the given account acknowledged the marker.
func (s MarkerStatus) RemoteSeenBy(accountID string) bool {
	return slices.Contains(s.RemoteSeenOn, accountID)
}

// AddRemoteSeen records an acknowledgement. Returns false if already present.
func (s *MarkerStatus) AddRemoteSeen(accountID string) bool {
	if accountID == "" || s.RemoteSeenBy(accountID) {
		return false
	}
	s.RemoteSeenOn = append(s.RemoteSeenOn, accountID)
	return true
}

// AddImport tags the marker with an import id. Returns false if already tagged.
func (s *MarkerStatus) AddImport(id uuid.UUID) bool {
	if slices.Contains(s.Imports, id) {
		return false
	}
	s.Imports = append(s.Imports, id)
	return true
}

// RemoveImports strips every id in ids and returns how many were removed.
func (s *MarkerStatus) RemoveImports(ids []uuid.UUID) int {
	before := len(s.Imports)
	s.Imports = slices.DeleteFunc(s.Imports, func(id uuid.UUID) bool {
		return slices.Contains(ids, id)
	})
	return before - len(s.Imports)
}

// Clone returns a deep copy of the status.
func (s MarkerStatus) Clone() MarkerStatus {
	s.RemoteSeenOn = slices.Clone(s.RemoteSeenOn)
	s.Imports = slices.Clone(s.Imports)
	return s
}

// Marker is a typed point of interest on a region.
type Marker struct {
	MarkerKey
	MarkerStatus
}

// NewMarker creates an unseen marker of the given kind.
func NewMarker(kind Kind, pos Position3D) Marker {
	return Marker{MarkerKey: MarkerKey{Kind: kind, Position: pos}}
}

// Justified reports whether the marker still has a reason to exist:
// it was observed locally, it did not come from an import, or at least one
// import still backs it.
func (m Marker) Justified() bool {
	return m.Seen || !m.WasImported || len(m.Imports) > 0
}

// Clone returns a deep copy of the marker.
func (m Marker) Clone() Marker {
	m.MarkerStatus = m.MarkerStatus.Clone()
	return m
}
