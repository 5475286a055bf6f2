package parser

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/palacepal/palsync/internal/geo"
	"github.com/palacepal/palsync/internal/util"
	"github.com/palacepal/palsync/pkg/core"
)

// parseUintFromFloat parses a string that may be an integer ("32") or float ("32.00") into uint64.
// Host scripts often serialize every number as a float.
func parseUintFromFloat(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != float64(uint64(f)) {
		return 0, fmt.Errorf("parseUintFromFloat: %q is not a valid uint64", s)
	}
	return uint64(f), nil
}

func parseRegionID(s string) (uint16, error) {
	v, err := parseUintFromFloat(s)
	if err != nil {
		return 0, fmt.Errorf("error parsing region id: %w", err)
	}
	if v > 0xFFFF {
		return 0, fmt.Errorf("region id %d out of range", v)
	}
	return uint16(v), nil
}

// Parser provides pure []string -> value conversion for host commands.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new parser with only a logger dependency
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// ParseRegion parses the region the player entered.
// Format: [regionID]
func (p *Parser) ParseRegion(data []string) (uint16, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("expected 1 arg, got %d", len(data))
	}
	util.CleanArgs(data)
	return parseRegionID(data[0])
}

// ParseMarker parses a single "kind:x,y,z" token.
func (p *Parser) ParseMarker(token string) (core.MarkerKey, error) {
	kindStr, coords, ok := strings.Cut(token, ":")
	if !ok {
		return core.MarkerKey{}, fmt.Errorf("malformed marker %q", token)
	}
	kind := core.ParseKind(kindStr)
	if kind == core.KindUnknown {
		return core.MarkerKey{}, fmt.Errorf("unknown marker kind %q", kindStr)
	}
	pos, err := geo.ParsePosition(coords)
	if err != nil {
		return core.MarkerKey{}, fmt.Errorf("marker %q: %w", token, err)
	}
	return core.MarkerKey{Kind: kind, Position: pos}, nil
}

// ParseObservation parses the markers currently visible to the player.
// Malformed markers are skipped with a warning so one bad token does not
// drop the whole observation.
// Format: [regionID, "kind:x,y,z", ...]
func (p *Parser) ParseObservation(data []string) (uint16, []core.MarkerKey, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("expected at least 1 arg, got %d", len(data))
	}
	util.CleanArgs(data)

	regionID, err := parseRegionID(data[0])
	if err != nil {
		return 0, nil, err
	}

	visible := make([]core.MarkerKey, 0, len(data)-1)
	for _, token := range data[1:] {
		key, err := p.ParseMarker(token)
		if err != nil {
			p.logger.Warn("Skipping observed marker", "error", err)
			continue
		}
		visible = append(visible, key)
	}
	return regionID, visible, nil
}

// ParseMode parses a mode switch.
// Format: ["online"|"offline"]
func (p *Parser) ParseMode(data []string) (string, error) {
	if len(data) < 1 {
		return "", fmt.Errorf("expected 1 arg, got %d", len(data))
	}
	util.CleanArgs(data)
	return strings.ToLower(data[0]), nil
}

// ParseImport parses the path of a snapshot file to import.
// Format: [path]
func (p *Parser) ParseImport(data []string) (string, error) {
	if len(data) < 1 || util.CleanArgs(data)[0] == "" {
		return "", fmt.Errorf("expected a file path")
	}
	return data[0], nil
}

// ExportRequest describes a snapshot export.
type ExportRequest struct {
	Path                string
	MinAcknowledgements int
}

// ParseExport parses an export request.
// Format: [path, minAcknowledgements?]
func (p *Parser) ParseExport(data []string) (ExportRequest, error) {
	if len(data) < 1 || util.CleanArgs(data)[0] == "" {
		return ExportRequest{}, fmt.Errorf("expected a file path")
	}

	req := ExportRequest{Path: data[0]}
	if len(data) > 1 && data[1] != "" {
		n, err := parseUintFromFloat(data[1])
		if err != nil {
			return ExportRequest{}, fmt.Errorf("error parsing min acknowledgements: %w", err)
		}
		req.MinAcknowledgements = int(n)
	}
	return req, nil
}
